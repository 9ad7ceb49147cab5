/*
Package ledger provides the core types of the marketplace ledger engine.

PURPOSE:
  This package holds the domain model shared by the settlement engine, the
  referral bonus issuer and every store: money amounts, ledger accounts,
  transaction records, the movement journal and the error taxonomy.
  Nothing in here performs I/O. Stores implement the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Currency: X$ (the marketplace unit of account) or EUR (bonus balances)
  - Amount: a fixed-point decimal with exactly two fractional digits
  - Scale checks: inputs carrying more than two fractional digits are rejected
  - Range checks: magnitudes above MaxAmount are rejected before rendering

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, no floating point near money
  2. Type safety: an Amount always carries its currency
  3. Explicit rejection: a value that cannot be represented at Scale is an
     error, never silently rounded

USAGE:
  price := ledger.MustParseAmount("60.00", ledger.CurrencyXD)
  fee, err := ledger.ParseAmount(input, ledger.CurrencyXD)

SEE ALSO:
  - account.go: Balances and the amortize-then-credit split
  - transaction.go: Transaction records and the status state machine
  - errors.go: Error taxonomy
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every amount is stored with.
const Scale = 2

// MaxIntegerDigits bounds the integer part of any amount or balance. Together
// with Scale it matches the NUMERIC(14,2) balance columns.
const MaxIntegerDigits = 12

// MaxAmount is the largest magnitude an amount may hold.
var MaxAmount = decimal.New(99999999999999, -Scale)

// maxInputLen rejects oversized strings before the decimal parser sees them.
const maxInputLen = 64

// minExponent bounds inputs such as "1.000...0" with many trailing zeros.
const minExponent = -32

// =============================================================================
// CURRENCY
// =============================================================================

type Currency string

const (
	// CurrencyXD is X$, the internal unit of account nominally pegged 1:1
	// to a real currency unit.
	CurrencyXD Currency = "XD"

	// CurrencyEUR denominates bonus balances.
	CurrencyEUR Currency = "EUR"
)

func (c Currency) Valid() bool {
	return c == CurrencyXD || c == CurrencyEUR
}

// =============================================================================
// AMOUNT - Fixed-point quantity with currency
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

// Zero returns a zero amount in the given currency.
func Zero(c Currency) Amount {
	return Amount{Value: decimal.Zero, Currency: c}
}

// NewAmount validates that value fits Scale and returns it as an Amount.
func NewAmount(value decimal.Decimal, c Currency) (Amount, error) {
	a := Amount{Value: value, Currency: c}
	if err := a.Check("amount"); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// ParseAmount parses a decimal string such as "75.50".
func ParseAmount(s string, c Currency) (Amount, error) {
	if len(s) > maxInputLen {
		return Amount{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("longer than %d characters", maxInputLen)}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("not a decimal: %q", s)}
	}
	return NewAmount(d, c)
}

// MustParseAmount is ParseAmount for constants and tests. It panics on error.
func MustParseAmount(s string, c Currency) Amount {
	a, err := ParseAmount(s, c)
	if err != nil {
		panic(err)
	}
	return a
}

// FitsScale reports whether d has no more than Scale significant fractional digits.
// "1.000" fits, "1.005" does not.
func FitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Scale))
}

// InRange reports whether |d| <= MaxAmount. It inspects the exponent and
// digit count first, so "1e50000000" is rejected without being expanded.
func InRange(d decimal.Decimal) bool {
	exp := d.Exponent()
	if exp > MaxIntegerDigits || exp < minExponent {
		return false
	}
	if !d.IsZero() && d.NumDigits()+int(exp) > MaxIntegerDigits {
		return false
	}
	return d.Abs().LessThanOrEqual(MaxAmount)
}

// Check validates currency, magnitude and scale. field names the input in the error.
func (a Amount) Check(field string) error {
	if !a.Currency.Valid() {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown currency %q", a.Currency)}
	}
	if !InRange(a.Value) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("magnitude exceeds %s", MaxAmount.StringFixed(Scale))}
	}
	if !FitsScale(a.Value) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("more than %d fractional digits: %s", Scale, a.Value)}
	}
	return nil
}

func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) Equal(b Amount) bool       { return a.Currency == b.Currency && a.Value.Equal(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Fixed renders the value with exactly Scale fractional digits ("40.00").
func (a Amount) Fixed() string {
	return a.Value.StringFixed(Scale)
}

func (a Amount) String() string {
	return a.Fixed() + " " + string(a.Currency)
}
