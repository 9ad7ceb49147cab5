/*
Package settlement implements the ledger settlement engine.

PURPOSE:
  Completing a transaction is the only thing that moves sale proceeds. The
  Engine performs that completion as one atomic unit of work:

  1. Lock the transaction row
  2. Reject or no-op anything that is not pending
  3. Lock buyer and seller rows in ascending id order
  4. Amortize the seller's debt, credit the remainder to spendable
  5. Optionally debit the buyer (BuyerDebitPolicy)
  6. Guarded status update pending -> completed, stamping completed_at
  7. Persist both accounts and append journal movements

  Any failure rolls back every step. A debt reduced without the matching
  credit is never observable.

IDEMPOTENCE:
  Completing an already completed transaction returns OutcomeAlreadySettled
  and touches nothing. The journal's unique idempotency keys back this up
  at the storage layer.

CONCURRENCY:
  Two settlements sharing a seller serialize on the seller's row lock.
  Two completions of the same transaction serialize on the transaction row
  lock; the second one observes completed and no-ops.

SEE ALSO:
  - ledger/account.go: The amortize-then-credit split
  - lifecycle.go: Create, cancel and read operations
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/ledger-engine/codegen"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/metrics"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    ledger.TxStore
	vouchers *codegen.Generator
	policy   BuyerDebitPolicy
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Engine)

func WithBuyerDebitPolicy(p BuyerDebitPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an engine over store. vouchers allocates transaction
// vouchers in CreateTransaction.
func NewEngine(store ledger.TxStore, vouchers *codegen.Generator, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		vouchers: vouchers,
		policy:   BuyerDebitNone,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Policy() BuyerDebitPolicy { return e.policy }

// =============================================================================
// SETTLEMENT
// =============================================================================

type Outcome string

const (
	OutcomeSettled        Outcome = "settled"
	OutcomeAlreadySettled Outcome = "already_settled"
)

// Settlement describes what a completion request did.
type Settlement struct {
	Transaction ledger.Transaction
	Outcome     Outcome

	// Zero for OutcomeAlreadySettled.
	Split        ledger.SaleSplit
	BuyerDebited ledger.Amount
}

// CompleteTransaction moves a pending transaction to completed and settles it.
//
// Errors:
//   - NotFoundError: the transaction, buyer or seller doesn't exist
//   - ConflictError: the transaction is cancelled
//   - ValidationError: the stored record is malformed (e.g. self-dealing)
//   - InsufficientBalanceError: BuyerDebitOnSettlement and the buyer can't pay
func (e *Engine) CompleteTransaction(ctx context.Context, id uuid.UUID) (*Settlement, error) {
	var result *Settlement

	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		tx, err := s.LockTransaction(ctx, id)
		if err != nil {
			return err
		}

		switch tx.Status {
		case ledger.StatusCompleted:
			result = &Settlement{Transaction: tx, Outcome: OutcomeAlreadySettled}
			return nil
		case ledger.StatusCancelled:
			return &ledger.ConflictError{Entity: "transaction", ID: id.String(), Reason: "cancelled transactions cannot be completed"}
		}
		if !ledger.ShouldSettle(tx.Status, ledger.StatusCompleted) {
			return &ledger.ConflictError{Entity: "transaction", ID: id.String(), Reason: fmt.Sprintf("cannot complete from %q", tx.Status)}
		}

		settled, err := e.settle(ctx, s, tx)
		if err != nil {
			return err
		}
		result = settled
		return nil
	})

	e.record(ctx, id, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) settle(ctx context.Context, s ledger.Store, tx ledger.Transaction) (*Settlement, error) {
	if err := ledger.ValidateParties(tx.BuyerID, tx.SellerID); err != nil {
		return nil, err
	}
	if err := ledger.ValidateSaleAmount(tx.Amount); err != nil {
		return nil, err
	}

	users, err := s.LockUsers(ctx, tx.BuyerID, tx.SellerID)
	if err != nil {
		return nil, err
	}
	seller, buyer := users[tx.SellerID], users[tx.BuyerID]

	sellerAcc, split, err := seller.Account.ApplySale(tx.Amount)
	if err != nil {
		return nil, fmt.Errorf("settle seller %s: %w", seller.ID, err)
	}

	debited := ledger.Zero(ledger.CurrencyXD)
	buyerAcc := buyer.Account
	if e.policy == BuyerDebitOnSettlement {
		buyerAcc, err = buyer.Account.Debit(tx.Amount)
		if err != nil {
			return nil, fmt.Errorf("debit buyer %s: %w", buyer.ID, err)
		}
		debited = tx.Amount
	}

	now := e.now()
	ok, err := s.TransitionTransaction(ctx, tx.ID, ledger.StatusPending, ledger.StatusCompleted, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("complete transaction %s: %w", tx.ID, ledger.ErrConcurrentModification)
	}

	if err := s.UpdateAccount(ctx, seller.ID, sellerAcc); err != nil {
		return nil, fmt.Errorf("update seller %s: %w", seller.ID, err)
	}
	if debited.IsPositive() {
		if err := s.UpdateAccount(ctx, buyer.ID, buyerAcc); err != nil {
			return nil, fmt.Errorf("update buyer %s: %w", buyer.ID, err)
		}
	}

	if err := s.AppendMovements(ctx, settlementMovements(tx, split, debited, now)); err != nil {
		return nil, fmt.Errorf("journal settlement %s: %w", tx.ID, err)
	}

	tx.Status = ledger.StatusCompleted
	tx.CompletedAt = &now
	return &Settlement{
		Transaction:  tx,
		Outcome:      OutcomeSettled,
		Split:        split,
		BuyerDebited: debited,
	}, nil
}

// settlementMovements journals the non-zero effects of one settlement.
func settlementMovements(tx ledger.Transaction, split ledger.SaleSplit, debited ledger.Amount, at time.Time) []ledger.Movement {
	ref := tx.ID.String()
	var out []ledger.Movement
	if split.Amortized.IsPositive() {
		out = append(out, ledger.NewMovement(tx.SellerID, ledger.MovementDebtAmortization, split.Amortized.Neg(), ref, at))
	}
	if split.Credited.IsPositive() {
		out = append(out, ledger.NewMovement(tx.SellerID, ledger.MovementSaleProceeds, split.Credited, ref, at))
	}
	if debited.IsPositive() {
		out = append(out, ledger.NewMovement(tx.BuyerID, ledger.MovementPurchaseDebit, debited.Neg(), ref, at))
	}
	return out
}

func (e *Engine) record(ctx context.Context, id uuid.UUID, result *Settlement, err error) {
	switch {
	case err == nil && result.Outcome == OutcomeAlreadySettled:
		metrics.Settlements.WithLabelValues("already_settled").Inc()
		e.logger.InfoContext(ctx, "transaction already settled", "transaction_id", id)

	case err == nil:
		metrics.Settlements.WithLabelValues("settled").Inc()
		metrics.SettledAmount.WithLabelValues("amortized").Add(result.Split.Amortized.Value.InexactFloat64())
		metrics.SettledAmount.WithLabelValues("credited").Add(result.Split.Credited.Value.InexactFloat64())
		metrics.SettledAmount.WithLabelValues("debited").Add(result.BuyerDebited.Value.InexactFloat64())
		e.logger.InfoContext(ctx, "transaction settled",
			"transaction_id", id,
			"seller_id", result.Transaction.SellerID,
			"amount", result.Transaction.Amount.Fixed(),
			"amortized", result.Split.Amortized.Fixed(),
			"credited", result.Split.Credited.Fixed(),
			"buyer_debited", result.BuyerDebited.Fixed(),
		)

	case ledger.IsClientError(err) || ledger.IsNotFound(err):
		metrics.Settlements.WithLabelValues("rejected").Inc()
		e.logger.WarnContext(ctx, "settlement rejected", "transaction_id", id, "error", err)

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.Settlements.WithLabelValues("failed").Inc()
		e.logger.WarnContext(ctx, "settlement aborted", "transaction_id", id, "error", err)

	default:
		metrics.Settlements.WithLabelValues("failed").Inc()
		e.logger.ErrorContext(ctx, "settlement failed", "transaction_id", id, "error", err)
	}
}
