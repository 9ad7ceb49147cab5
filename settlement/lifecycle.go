package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/warp/ledger-engine/codegen"
	"github.com/warp/ledger-engine/ledger"
)

// CreateParams describes a new transaction. Commission is optional; when nil
// it is derived from the commission_rate setting.
type CreateParams struct {
	BuyerID    uuid.UUID
	SellerID   uuid.UUID
	ListingRef *uuid.UUID
	Amount     ledger.Amount
	Commission *ledger.Amount
}

// CreateTransaction validates params and inserts a pending transaction with
// a freshly allocated voucher.
func (e *Engine) CreateTransaction(ctx context.Context, p CreateParams) (ledger.Transaction, error) {
	if err := ledger.ValidateParties(p.BuyerID, p.SellerID); err != nil {
		return ledger.Transaction{}, err
	}
	if err := ledger.ValidateSaleAmount(p.Amount); err != nil {
		return ledger.Transaction{}, err
	}

	var commission ledger.Amount
	if p.Commission != nil {
		commission = *p.Commission
	} else {
		rate, err := ledger.LoadCommissionRate(ctx, e.store)
		if err != nil {
			return ledger.Transaction{}, err
		}
		commission = ledger.Commission(p.Amount, rate)
	}

	for _, id := range []uuid.UUID{p.BuyerID, p.SellerID} {
		if _, err := e.store.GetUser(ctx, id); err != nil {
			return ledger.Transaction{}, err
		}
	}

	tx := ledger.Transaction{
		ID:         uuid.New(),
		BuyerID:    p.BuyerID,
		SellerID:   p.SellerID,
		ListingRef: p.ListingRef,
		Amount:     p.Amount,
		Commission: commission,
		Status:     ledger.StatusPending,
		CreatedAt:  e.now(),
	}

	scope := codegen.StoreScope{Store: e.store, Scope: ledger.ScopeVoucher}
	voucher, err := e.vouchers.Allocate(ctx, scope, func(ctx context.Context, code string) error {
		candidate := tx
		candidate.Voucher = code
		if err := candidate.Validate(); err != nil {
			return err
		}
		return e.store.CreateTransaction(ctx, candidate)
	})
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}
	tx.Voucher = voucher

	e.logger.InfoContext(ctx, "transaction created",
		"transaction_id", tx.ID,
		"buyer_id", tx.BuyerID,
		"seller_id", tx.SellerID,
		"amount", tx.Amount.Fixed(),
		"voucher", tx.Voucher,
	)
	return tx, nil
}

// CancelTransaction moves a pending transaction to cancelled. Cancelling a
// cancelled transaction is a no-op; a completed one is a ConflictError
// wrapping ErrAlreadySettled since settlement is never reversed.
func (e *Engine) CancelTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	var result ledger.Transaction

	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		tx, err := s.LockTransaction(ctx, id)
		if err != nil {
			return err
		}

		switch tx.Status {
		case ledger.StatusCancelled:
			result = tx
			return nil
		case ledger.StatusCompleted:
			return &ledger.ConflictError{
				Entity: "transaction",
				ID:     id.String(),
				Reason: "completed transactions cannot be cancelled",
				Err:    ledger.ErrAlreadySettled,
			}
		}

		now := e.now()
		ok, err := s.TransitionTransaction(ctx, id, ledger.StatusPending, ledger.StatusCancelled, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("cancel transaction %s: %w", id, ledger.ErrConcurrentModification)
		}
		tx.Status = ledger.StatusCancelled
		tx.CancelledAt = &now
		result = tx
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	e.logger.InfoContext(ctx, "transaction cancelled", "transaction_id", id)
	return result, nil
}

func (e *Engine) GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// Account returns a read-only snapshot of a user's balances.
func (e *Engine) Account(ctx context.Context, userID uuid.UUID) (ledger.Account, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return ledger.Account{}, err
	}
	return u.Account, nil
}

// Movements returns the user's journal, oldest first.
func (e *Engine) Movements(ctx context.Context, userID uuid.UUID) ([]ledger.Movement, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.Movements(ctx, userID)
}
