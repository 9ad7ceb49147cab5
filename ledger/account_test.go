package ledger_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
)

func xd(s string) ledger.Amount  { return ledger.MustParseAmount(s, ledger.CurrencyXD) }
func eur(s string) ledger.Amount { return ledger.MustParseAmount(s, ledger.CurrencyEUR) }

func accountWith(spendable, bonus, debt string) ledger.Account {
	return ledger.Account{Spendable: xd(spendable), Bonus: eur(bonus), Debt: xd(debt)}
}

func TestApplySale_ReferenceCases(t *testing.T) {
	tests := []struct {
		name          string
		debt          string
		amount        string
		wantDebt      string
		wantCredited  string
		wantAmortized string
	}{
		// GIVEN debt 100.00, sale 60.00: the whole sale amortizes debt
		{"debt exceeds sale", "100.00", "60.00", "40.00", "0.00", "60.00"},
		// GIVEN debt 40.00, sale 100.00: debt cleared, remainder spendable
		{"sale exceeds debt", "40.00", "100.00", "0.00", "60.00", "40.00"},
		// GIVEN no debt: the full amount is spendable
		{"no debt", "0.00", "75.50", "0.00", "75.50", "0.00"},
		{"sale equals debt", "42.42", "42.42", "0.00", "0.00", "42.42"},
		{"one cent over", "10.00", "10.01", "0.00", "0.01", "10.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := accountWith("12.34", "1.00", tt.debt)

			after, split, err := before.ApplySale(xd(tt.amount))
			require.NoError(t, err)

			assert.Equal(t, tt.wantDebt, after.Debt.Fixed())
			assert.Equal(t, tt.wantAmortized, split.Amortized.Fixed())
			assert.Equal(t, tt.wantCredited, split.Credited.Fixed())
			assert.True(t, after.Spendable.Equal(before.Spendable.Add(split.Credited)))
			assert.True(t, after.Bonus.Equal(before.Bonus), "bonus is never touched by a sale")
		})
	}
}

func TestApplySale_ConservationGrid(t *testing.T) {
	// For every (debt, amount): amortized = min(amount, debt),
	// amortized + credited = amount, and debt never goes negative.
	values := []string{"0.00", "0.01", "0.99", "1.00", "33.33", "60.00", "99.99", "100.00", "100.01", "12345.67"}

	for _, d := range values {
		for _, a := range values {
			amount := xd(a)
			if !amount.IsPositive() {
				continue
			}
			before := accountWith("5.00", "0.00", d)

			after, split, err := before.ApplySale(amount)
			require.NoError(t, err, "debt %s amount %s", d, a)

			assert.True(t, split.Amortized.Add(split.Credited).Equal(amount), "debt %s amount %s", d, a)
			assert.True(t, split.Amortized.Equal(amount.Min(before.Debt)), "debt %s amount %s", d, a)
			assert.False(t, after.Debt.IsNegative(), "debt %s amount %s", d, a)
			assert.False(t, split.Credited.IsNegative(), "debt %s amount %s", d, a)
			assert.True(t, split.Credited.IsZero() || after.Debt.IsZero(),
				"credit only once debt is cleared: debt %s amount %s", d, a)
			assert.NoError(t, after.Validate())
		}
	}
}

func TestApplySale_Rejects(t *testing.T) {
	acc := accountWith("0.00", "0.00", "10.00")

	tests := []struct {
		name   string
		acc    ledger.Account
		amount ledger.Amount
	}{
		{"zero", acc, xd("0.00")},
		{"negative", acc, xd("-1.00")},
		{"wrong currency", acc, eur("1.00")},
		{"three decimals", acc, ledger.Amount{Value: decimal.RequireFromString("1.001"), Currency: ledger.CurrencyXD}},
		{"negative stored debt", ledger.Account{Spendable: xd("0.00"), Bonus: eur("0.00"), Debt: xd("-5.00")}, xd("1.00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.acc.ApplySale(tt.amount)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestDebit(t *testing.T) {
	acc := accountWith("50.00", "0.00", "0.00")

	after, err := acc.Debit(xd("20.00"))
	require.NoError(t, err)
	assert.Equal(t, "30.00", after.Spendable.Fixed())

	_, err = acc.Debit(xd("50.01"))
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "50.00", insufficient.Available.Fixed())
	assert.Equal(t, "50.01", insufficient.Requested.Fixed())
	assert.Contains(t, err.Error(), "shortfall 0.01")

	_, err = acc.Debit(xd("-1.00"))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestCreditBonus(t *testing.T) {
	acc := ledger.NewAccount()

	after, err := acc.CreditBonus(eur("2.50"))
	require.NoError(t, err)
	assert.Equal(t, "2.50", after.Bonus.Fixed())
	assert.True(t, after.Spendable.IsZero())
	assert.True(t, after.Debt.IsZero())

	_, err = acc.CreditBonus(xd("2.50"))
	assert.ErrorIs(t, err, ledger.ErrValidation, "bonuses are EUR only")

	_, err = acc.CreditBonus(eur("-2.50"))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestAccountValidate(t *testing.T) {
	assert.NoError(t, ledger.NewAccount().Validate())

	bad := []ledger.Account{
		{Spendable: eur("0.00"), Bonus: eur("0.00"), Debt: xd("0.00")},
		{Spendable: xd("0.00"), Bonus: xd("0.00"), Debt: xd("0.00")},
		{Spendable: xd("0.00"), Bonus: eur("0.00"), Debt: xd("-0.01")},
		{Spendable: ledger.Amount{Value: decimal.RequireFromString("0.001"), Currency: ledger.CurrencyXD}, Bonus: eur("0.00"), Debt: xd("0.00")},
	}
	for i, acc := range bad {
		assert.ErrorIs(t, acc.Validate(), ledger.ErrValidation, "case %d", i)
	}
}

func TestAmount_Scale(t *testing.T) {
	_, err := ledger.ParseAmount("1.005", ledger.CurrencyXD)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	a, err := ledger.ParseAmount("1.500", ledger.CurrencyXD)
	require.NoError(t, err, "trailing zeros fit the scale")
	assert.Equal(t, "1.50", a.Fixed())

	_, err = ledger.ParseAmount("abc", ledger.CurrencyXD)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = ledger.ParseAmount("1.00", ledger.Currency("USD"))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	assert.False(t, xd("1.00").Equal(eur("1.00")), "equality includes currency")
	assert.Panics(t, func() { ledger.MustParseAmount("x", ledger.CurrencyXD) })
}

func TestAmount_Range(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"999999999999.99", true},
		{"-999999999999.99", true},
		{"1e11", true},
		{"0e12", true},
		{"1000000000000.00", false},
		{"1e12", false},
		{"1e20", false},
		{"1e50000000", false},
		{"0e50000000", false},
		{"1e-50000000", false},
		{strings.Repeat("9", 65), false},
	}
	for _, tt := range tests {
		name := tt.in
		if len(name) > 20 {
			name = name[:20]
		}
		t.Run(name, func(t *testing.T) {
			a, err := ledger.ParseAmount(tt.in, ledger.CurrencyXD)
			if tt.ok {
				require.NoError(t, err)
				assert.True(t, ledger.InRange(a.Value))
				return
			}
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}

	assert.Equal(t, "999999999999.99", ledger.MaxAmount.StringFixed(ledger.Scale))

	over := ledger.Account{
		Spendable: ledger.Amount{Value: ledger.MaxAmount.Add(decimal.New(1, -ledger.Scale)), Currency: ledger.CurrencyXD},
		Bonus:     ledger.Zero(ledger.CurrencyEUR),
		Debt:      ledger.Zero(ledger.CurrencyXD),
	}
	assert.ErrorIs(t, over.Validate(), ledger.ErrValidation)
}
