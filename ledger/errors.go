/*
errors.go - Error taxonomy for the ledger engine

PURPOSE:
  Every error the engine surfaces is distinguishable by kind so callers can
  decide between retrying, surfacing to the end user, or alerting.

ERROR CATEGORIES:
  1. ValidationError - Malformed input, rejected before any mutation
  2. ConflictError - Transition from an invalid state, no mutation
  3. NotFoundError - Referenced account or transaction does not exist
  4. UniquenessExhaustedError - Code generator ran out of attempts
  5. DuplicateValueError - A storage uniqueness constraint fired
  6. InsufficientBalanceError - A debit would make a balance negative

USAGE:
  Structured errors unwrap to sentinels, so both forms work:

    if errors.Is(err, ledger.ErrNotFound) { ... }

    var conflict *ledger.ConflictError
    if errors.As(err, &conflict) { ... }

SEE ALSO:
  - store.go: Stores translate driver errors into these types
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a transition is not allowed from the current state.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrUniquenessExhausted is returned when no free code was found within the retry budget.
	ErrUniquenessExhausted = errors.New("uniqueness exhausted")

	// ErrDuplicateValue is returned when an insert violates a uniqueness constraint.
	ErrDuplicateValue = errors.New("duplicate value")

	// ErrAlreadySettled is wrapped by conflicts on a completed transaction.
	ErrAlreadySettled = errors.New("transaction already settled")

	// ErrInsufficientBalance is returned when a debit exceeds the spendable balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentModification is returned when a guarded update lost a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError reports a rejected state transition.
// Err optionally carries a more specific sentinel such as ErrAlreadySettled.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
	Err    error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s %s: %s", e.Entity, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConflict}
	}
	return []error{ErrConflict, e.Err}
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// UniquenessExhaustedError means the code space is too dense for the
// configured alphabet and length. Retrying with a longer code is the remedy.
type UniquenessExhaustedError struct {
	Scope    Scope
	Attempts int
	Length   int
}

func (e *UniquenessExhaustedError) Error() string {
	return fmt.Sprintf("no free %s of length %d after %d attempts", e.Scope, e.Length, e.Attempts)
}

func (e *UniquenessExhaustedError) Unwrap() error {
	return ErrUniquenessExhausted
}

// DuplicateValueError is the store-level translation of a unique constraint violation.
type DuplicateValueError struct {
	Scope Scope
	Value string
}

func (e *DuplicateValueError) Error() string {
	return fmt.Sprintf("duplicate %s: %q", e.Scope, e.Value)
}

func (e *DuplicateValueError) Unwrap() error {
	return ErrDuplicateValue
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available.Fixed(), e.Requested.Fixed(), e.Requested.Sub(e.Available).Fixed())
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same call might succeed on retry.
// ErrUniquenessExhausted is excluded: the same call keeps drawing from the
// same crowded code space, so callers retry it with a longer code instead.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate reports whether err is a uniqueness violation for scope.
func IsDuplicate(err error, scope Scope) bool {
	var dup *DuplicateValueError
	return errors.As(err, &dup) && dup.Scope == scope
}
