/*
store.go - Persistence contracts for the ledger engine

PURPOSE:
  Defines the interface between the engines and the database. Engines never
  write balances outside TxStore.WithTx, and every unit of work they run is
  all-or-nothing.

KEY INTERFACES:
  UserStore:        Users, their accounts and the referral flag
  TransactionStore: Transaction records and guarded status transitions
  CodeStore:        Uniqueness pre-checks for generated codes
  JournalStore:     Append-only movement log
  SettingsStore:    Keyed system configuration
  TxStore:          Runs a function as one atomic unit of work

LOCKING CONTRACT:
  Inside WithTx, LockUsers and LockTransaction return rows that no other unit
  of work can modify until this one ends. LockUsers acquires locks in
  ascending id order whatever order the ids are passed in, so two units
  locking the same pair never deadlock. Outside WithTx the Lock methods
  behave like plain reads.

UNIQUENESS CONTRACT:
  Users.id, users.referral_code, transactions.id, transactions.voucher and
  movements.idempotency_key are unique at the storage layer. A violation is
  returned as *DuplicateValueError with the matching Scope.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - ledger/storetest: Conformance suite every implementation runs
*/
package ledger

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Scope names a uniqueness domain (a unique column).
type Scope string

const (
	ScopeReferralCode   Scope = "referral_code"
	ScopeVoucher        Scope = "voucher"
	ScopeUserID         Scope = "user_id"
	ScopeTransactionID  Scope = "transaction_id"
	ScopeIdempotencyKey Scope = "idempotency_key"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

type UserStore interface {
	// CreateUser inserts a user. DuplicateValueError on id or referral code.
	CreateUser(ctx context.Context, u User) error

	// GetUser returns NotFoundError if the user doesn't exist.
	GetUser(ctx context.Context, id uuid.UUID) (User, error)

	GetUserByReferralCode(ctx context.Context, code string) (User, error)

	// LockUsers locks the rows in ascending id order. NotFoundError if any is missing.
	LockUsers(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]User, error)

	// UpdateAccount overwrites the three balances of a user.
	UpdateAccount(ctx context.Context, id uuid.UUID, acc Account) error

	// MarkReferralBonusPaid sets the flag only if it is currently false.
	// Returns false when the flag was already set.
	MarkReferralBonusPaid(ctx context.Context, id uuid.UUID) (bool, error)
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, t Transaction) error

	GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error)

	LockTransaction(ctx context.Context, id uuid.UUID) (Transaction, error)

	// TransitionTransaction moves id from `from` to `to` only if its status
	// is still `from`, stamping completed_at or cancelled_at with at.
	// Returns false when the guard did not match.
	TransitionTransaction(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) (bool, error)
}

type CodeStore interface {
	// CodeExists checks ScopeReferralCode or ScopeVoucher.
	CodeExists(ctx context.Context, scope Scope, code string) (bool, error)
}

type JournalStore interface {
	// AppendMovements writes all movements or none.
	AppendMovements(ctx context.Context, movements []Movement) error

	// Movements returns a user's movements, oldest first.
	Movements(ctx context.Context, userID uuid.UUID) ([]Movement, error)
}

type SettingsStore interface {
	// GetSetting returns NotFoundError for an unknown key.
	GetSetting(ctx context.Context, key string) (string, error)

	PutSetting(ctx context.Context, key, value string) error
}

type Store interface {
	UserStore
	TransactionStore
	CodeStore
	JournalStore
	SettingsStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// SortedIDs returns ids deduplicated in ascending byte order, the lock order
// every store uses.
func SortedIDs(ids ...uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
