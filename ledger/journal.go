/*
journal.go - Append-only record of every balance change

PURPOSE:
  Account balances are stored directly on the user row so settlement can
  lock and update them in place. The journal is the audit trail next to
  them: every mutation the engine makes to a balance is also written as a
  Movement in the same unit of work.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete
  2. IDEMPOTENT: the idempotency key is unique in every store, so a
     settlement or bonus that somehow ran twice fails on the second insert
     and its unit of work is rolled back
  3. TRACEABLE: summing the deltas of a user's movements per balance gives
     the current balances, provided the account started at zero

KEYS:
  <reference>:<kind>, where reference is the transaction id for settlement
  movements and the approved user's id for referral bonus movements.

SEE ALSO:
  - store.go: JournalStore
  - settlement/engine.go, referral/issuer.go: Producers
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
)

type MovementKind string

const (
	// MovementDebtAmortization lowers a seller's debt from sale proceeds.
	MovementDebtAmortization MovementKind = "debt_amortization"

	// MovementSaleProceeds credits the remainder of a sale to spendable.
	MovementSaleProceeds MovementKind = "sale_proceeds"

	// MovementPurchaseDebit debits the buyer when settlement debits buyers.
	MovementPurchaseDebit MovementKind = "purchase_debit"

	MovementReferrerBonus MovementKind = "referrer_bonus"
	MovementRefereeBonus  MovementKind = "referee_bonus"
)

// Balance names which of the three account balances a movement changed.
type Balance string

const (
	BalanceSpendable Balance = "spendable"
	BalanceBonus     Balance = "bonus"
	BalanceDebt      Balance = "debt"
)

// Balance returns the account balance a kind of movement applies to.
func (k MovementKind) Balance() Balance {
	switch k {
	case MovementDebtAmortization:
		return BalanceDebt
	case MovementReferrerBonus, MovementRefereeBonus:
		return BalanceBonus
	default:
		return BalanceSpendable
	}
}

type Movement struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Kind           MovementKind
	Delta          Amount // signed; debt amortization is negative
	Reference      string
	IdempotencyKey string
	CreatedAt      time.Time
}

// IdempotencyKey builds the journal key for a movement of kind caused by reference.
func IdempotencyKey(reference string, kind MovementKind) string {
	return reference + ":" + string(kind)
}

// NewMovement builds a journal entry with its idempotency key filled in.
func NewMovement(userID uuid.UUID, kind MovementKind, delta Amount, reference string, at time.Time) Movement {
	return Movement{
		ID:             uuid.New(),
		UserID:         userID,
		Kind:           kind,
		Delta:          delta,
		Reference:      reference,
		IdempotencyKey: IdempotencyKey(reference, kind),
		CreatedAt:      at,
	}
}

// Replay sums movements into the account they imply, starting from zero.
func Replay(movements []Movement) Account {
	acc := NewAccount()
	for _, m := range movements {
		switch m.Kind.Balance() {
		case BalanceDebt:
			acc.Debt = acc.Debt.Add(m.Delta)
		case BalanceBonus:
			acc.Bonus = acc.Bonus.Add(m.Delta)
		default:
			acc.Spendable = acc.Spendable.Add(m.Delta)
		}
	}
	return acc
}
