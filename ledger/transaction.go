/*
transaction.go - Transaction records and their status state machine

STATE MACHINE:

    pending ──complete──► completed   (settlement fires)
       │
       └──cancel──────► cancelled    (no settlement)

  completed and cancelled are terminal. There is no path back from
  completed, and a cancel never reverses a settlement.

SETTLEMENT GUARD:
  Settlement is conditioned on the before/after status pair, not on the new
  status alone. ShouldSettle(from, to) is true only when the record was not
  already completed and is becoming completed. Stores perform the matching
  guarded update (UPDATE ... WHERE status = from) in the same unit of work.
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	return from == StatusPending && (to == StatusCompleted || to == StatusCancelled)
}

// ShouldSettle reports whether the from -> to transition fires settlement.
func ShouldSettle(from, to Status) bool {
	return from != StatusCompleted && to == StatusCompleted
}

// =============================================================================
// TRANSACTION RECORD
// =============================================================================

type Transaction struct {
	ID         uuid.UUID
	BuyerID    uuid.UUID
	SellerID   uuid.UUID
	ListingRef *uuid.UUID

	Amount     Amount
	Commission Amount

	// Voucher is globally unique and immutable once assigned.
	Voucher string

	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

// ValidateParties rejects missing parties and self-dealing.
func ValidateParties(buyerID, sellerID uuid.UUID) error {
	if buyerID == uuid.Nil {
		return &ValidationError{Field: "buyer_id", Reason: "required"}
	}
	if sellerID == uuid.Nil {
		return &ValidationError{Field: "seller_id", Reason: "required"}
	}
	if buyerID == sellerID {
		return &ValidationError{Field: "seller_id", Reason: "buyer and seller must differ"}
	}
	return nil
}

// ValidateSaleAmount checks that amount is a positive X$ value at Scale.
func ValidateSaleAmount(amount Amount) error {
	if err := checkXD("amount", amount); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return nil
}

// Validate checks the record as a whole before it is persisted.
func (t Transaction) Validate() error {
	if t.ID == uuid.Nil {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if err := ValidateParties(t.BuyerID, t.SellerID); err != nil {
		return err
	}
	if err := ValidateSaleAmount(t.Amount); err != nil {
		return err
	}
	if err := checkXD("commission", t.Commission); err != nil {
		return err
	}
	if t.Commission.IsNegative() {
		return &ValidationError{Field: "commission", Reason: "must not be negative"}
	}
	if t.Voucher == "" {
		return &ValidationError{Field: "voucher", Reason: "required"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if (t.Status == StatusCompleted) != (t.CompletedAt != nil) {
		return &ValidationError{Field: "completed_at", Reason: "set exactly when status is completed"}
	}
	return nil
}
