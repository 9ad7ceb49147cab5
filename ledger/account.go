/*
account.go - Ledger accounts and the amortize-then-credit split

PURPOSE:
  An Account is the balance-bearing projection of a user. It is pure data:
  the settlement engine and the referral issuer compute new Account values
  with the methods below and hand them to a store inside one unit of work.

INVARIANTS:
  1. Spendable and Debt are X$, Bonus is EUR
  2. Every balance has at most Scale fractional digits
  3. Debt is never negative: amortization is capped at min(amount, debt)
  4. Bonus is never touched by a sale

THE SPLIT:
  For a sale of amount A against a seller with debt D:

    amortized = min(A, D)
    debt'     = D - amortized
    credited  = A - amortized
    spendable' = spendable + credited

  Debt 100.00, sale 60.00  -> debt 40.00, credited 0.00
  Debt  40.00, sale 100.00 -> debt  0.00, credited 60.00

SEE ALSO:
  - settlement/engine.go: Applies the split under row locks
*/
package ledger

import "fmt"

type Account struct {
	Spendable Amount
	Bonus     Amount
	Debt      Amount
}

// NewAccount returns the all-zero account every user starts with.
func NewAccount() Account {
	return Account{
		Spendable: Zero(CurrencyXD),
		Bonus:     Zero(CurrencyEUR),
		Debt:      Zero(CurrencyXD),
	}
}

// Validate checks currencies, scale and the non-negative debt invariant.
func (a Account) Validate() error {
	checks := []struct {
		field    string
		amount   Amount
		currency Currency
	}{
		{"spendable_balance", a.Spendable, CurrencyXD},
		{"bonus_balance", a.Bonus, CurrencyEUR},
		{"outstanding_debt", a.Debt, CurrencyXD},
	}
	for _, c := range checks {
		if c.amount.Currency != c.currency {
			return &ValidationError{Field: c.field, Reason: fmt.Sprintf("expected %s, got %q", c.currency, c.amount.Currency)}
		}
		if err := c.amount.Check(c.field); err != nil {
			return err
		}
	}
	if a.Debt.IsNegative() {
		return &ValidationError{Field: "outstanding_debt", Reason: "must not be negative"}
	}
	return nil
}

// SaleSplit records how a sale's proceeds were distributed.
type SaleSplit struct {
	Amortized Amount
	Credited  Amount
}

// ApplySale amortizes the seller's debt with amount and credits the rest.
func (a Account) ApplySale(amount Amount) (Account, SaleSplit, error) {
	if err := a.Validate(); err != nil {
		return Account{}, SaleSplit{}, err
	}
	if err := checkXD("amount", amount); err != nil {
		return Account{}, SaleSplit{}, err
	}
	if !amount.IsPositive() {
		return Account{}, SaleSplit{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	amortized := amount.Min(a.Debt)
	split := SaleSplit{
		Amortized: amortized,
		Credited:  amount.Sub(amortized),
	}

	next := a
	next.Debt = a.Debt.Sub(split.Amortized)
	next.Spendable = a.Spendable.Add(split.Credited)
	return next, split, nil
}

// Debit removes amount from the spendable balance.
func (a Account) Debit(amount Amount) (Account, error) {
	if err := checkXD("amount", amount); err != nil {
		return Account{}, err
	}
	if amount.IsNegative() {
		return Account{}, &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if a.Spendable.LessThan(amount) {
		return Account{}, &InsufficientBalanceError{Available: a.Spendable, Requested: amount}
	}
	next := a
	next.Spendable = a.Spendable.Sub(amount)
	return next, nil
}

// CreditBonus adds a referral bonus to the EUR balance.
func (a Account) CreditBonus(amount Amount) (Account, error) {
	if amount.Currency != CurrencyEUR {
		return Account{}, &ValidationError{Field: "bonus", Reason: fmt.Sprintf("expected EUR, got %q", amount.Currency)}
	}
	if err := amount.Check("bonus"); err != nil {
		return Account{}, err
	}
	if amount.IsNegative() {
		return Account{}, &ValidationError{Field: "bonus", Reason: "must not be negative"}
	}
	next := a
	next.Bonus = a.Bonus.Add(amount)
	return next, nil
}

func checkXD(field string, amount Amount) error {
	if amount.Currency != CurrencyXD {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("expected XD, got %q", amount.Currency)}
	}
	return amount.Check(field)
}
