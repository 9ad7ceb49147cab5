package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

func TestSeedDefaultSettings_KeepsExisting(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.PutSetting(ctx, ledger.SettingReferrerBonus, "7.00"))

	require.NoError(t, ledger.SeedDefaultSettings(ctx, s))
	require.NoError(t, ledger.SeedDefaultSettings(ctx, s))

	bonuses, err := ledger.LoadReferralBonuses(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "7.00", bonuses.Referrer.Fixed())
	assert.Equal(t, "2.50", bonuses.Referee.Fixed())
	assert.Equal(t, ledger.CurrencyEUR, bonuses.Referee.Currency)

	rate, err := ledger.LoadCommissionRate(ctx, s)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.05")))
}

func TestLoadReferralBonuses_Errors(t *testing.T) {
	ctx := context.Background()

	s := store.NewMemory()
	_, err := ledger.LoadReferralBonuses(ctx, s)
	assert.True(t, ledger.IsNotFound(err), "missing settings: %v", err)

	for _, raw := range []string{"-1.00", "abc", "1.005"} {
		s := store.NewMemory()
		require.NoError(t, ledger.SeedDefaultSettings(ctx, s))
		require.NoError(t, s.PutSetting(ctx, ledger.SettingRefereeBonus, raw))

		_, err := ledger.LoadReferralBonuses(ctx, s)
		assert.ErrorIs(t, err, ledger.ErrValidation, "referee bonus %q", raw)
	}
}

func TestLoadCommissionRate_Bounds(t *testing.T) {
	ctx := context.Background()

	for raw, ok := range map[string]bool{"0": true, "1": true, "0.125": true, "-0.01": false, "1.01": false, "x": false} {
		s := store.NewMemory()
		require.NoError(t, s.PutSetting(ctx, ledger.SettingCommissionRate, raw))

		_, err := ledger.LoadCommissionRate(ctx, s)
		if ok {
			assert.NoError(t, err, raw)
		} else {
			assert.ErrorIs(t, err, ledger.ErrValidation, raw)
		}
	}
}

func TestCommission_Rounding(t *testing.T) {
	tests := []struct{ amount, rate, want string }{
		{"100.00", "0.05", "5.00"},
		{"75.50", "0.05", "3.78"}, // 3.775 rounds half away from zero
		{"0.01", "0.05", "0.00"},
		{"10.00", "0", "0.00"},
	}
	for _, tt := range tests {
		got := ledger.Commission(xd(tt.amount), decimal.RequireFromString(tt.rate))
		assert.Equal(t, tt.want, got.Fixed(), "%s * %s", tt.amount, tt.rate)
		assert.Equal(t, ledger.CurrencyXD, got.Currency)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		err       error
		sentinel  error
		client    bool
		notFound  bool
		retryable bool
	}{
		{&ledger.ValidationError{Field: "amount", Reason: "must be positive"}, ledger.ErrValidation, true, false, false},
		{&ledger.ConflictError{Entity: "transaction", ID: "1", Reason: "cancelled"}, ledger.ErrConflict, true, false, false},
		{&ledger.ConflictError{Entity: "transaction", ID: "1", Err: ledger.ErrAlreadySettled}, ledger.ErrAlreadySettled, true, false, false},
		{&ledger.NotFoundError{Entity: "user", ID: "1"}, ledger.ErrNotFound, false, true, false},
		{&ledger.InsufficientBalanceError{Available: xd("1.00"), Requested: xd("2.00")}, ledger.ErrInsufficientBalance, true, false, false},
		{&ledger.UniquenessExhaustedError{Scope: ledger.ScopeVoucher, Attempts: 20, Length: 8}, ledger.ErrUniquenessExhausted, false, false, false},
		{&ledger.DuplicateValueError{Scope: ledger.ScopeVoucher, Value: "X"}, ledger.ErrDuplicateValue, false, false, false},
		{fmt.Errorf("complete: %w", ledger.ErrConcurrentModification), ledger.ErrConcurrentModification, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.client, ledger.IsClientError(wrapped))
			assert.Equal(t, tt.notFound, ledger.IsNotFound(wrapped))
			assert.Equal(t, tt.retryable, ledger.IsRetryable(wrapped))
		})
	}

	dup := fmt.Errorf("insert: %w", &ledger.DuplicateValueError{Scope: ledger.ScopeVoucher, Value: "X"})
	assert.True(t, ledger.IsDuplicate(dup, ledger.ScopeVoucher))
	assert.False(t, ledger.IsDuplicate(dup, ledger.ScopeReferralCode))
	assert.False(t, ledger.IsDuplicate(errors.New("x"), ledger.ScopeVoucher))
}

func TestReplay(t *testing.T) {
	// GIVEN: The journal of a seller with 40.00 debt who sold for 100.00,
	//        then was referred and paid a bonus
	// WHEN: Replaying it from zero
	// THEN: The deltas reproduce the balance changes

	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	seller := uuid.New()
	txRef := uuid.NewString()

	movements := []ledger.Movement{
		ledger.NewMovement(seller, ledger.MovementDebtAmortization, xd("-40.00"), txRef, at),
		ledger.NewMovement(seller, ledger.MovementSaleProceeds, xd("60.00"), txRef, at),
		ledger.NewMovement(seller, ledger.MovementRefereeBonus, eur("2.50"), seller.String(), at),
	}

	acc := ledger.Replay(movements)
	assert.Equal(t, "60.00", acc.Spendable.Fixed())
	assert.Equal(t, "2.50", acc.Bonus.Fixed())
	assert.Equal(t, "-40.00", acc.Debt.Fixed())

	assert.Equal(t, txRef+":debt_amortization", movements[0].IdempotencyKey)
	assert.Equal(t, ledger.BalanceDebt, ledger.MovementDebtAmortization.Balance())
	assert.Equal(t, ledger.BalanceSpendable, ledger.MovementPurchaseDebit.Balance())
	assert.Equal(t, ledger.BalanceBonus, ledger.MovementReferrerBonus.Balance())
}
