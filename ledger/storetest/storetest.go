// Package storetest is a conformance suite for ledger.TxStore implementations.
//
// Each store package calls Run from its own tests:
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) ledger.TxStore { return newTestStore(t) })
//	}
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/ledger-engine/ledger"
)

// Factory returns an empty store. It registers its own cleanup on t.
type Factory func(t *testing.T) ledger.TxStore

var epoch = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

// NewUser returns a valid user with a zero account.
func NewUser(code string) ledger.User {
	return ledger.NewUser(uuid.New(), code, nil, epoch)
}

// NewPendingTransaction returns a valid pending transaction between buyer and seller.
func NewPendingTransaction(buyer, seller uuid.UUID, amount, voucher string) ledger.Transaction {
	return ledger.Transaction{
		ID:         uuid.New(),
		BuyerID:    buyer,
		SellerID:   seller,
		Amount:     ledger.MustParseAmount(amount, ledger.CurrencyXD),
		Commission: ledger.MustParseAmount("0.00", ledger.CurrencyXD),
		Voucher:    voucher,
		Status:     ledger.StatusPending,
		CreatedAt:  epoch,
	}
}

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("UserUniqueness", func(t *testing.T) { testUserUniqueness(t, newStore(t)) })
	t.Run("AccountRoundTrip", func(t *testing.T) { testAccountRoundTrip(t, newStore(t)) })
	t.Run("ReferralFlagCAS", func(t *testing.T) { testReferralFlagCAS(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("GuardedTransition", func(t *testing.T) { testGuardedTransition(t, newStore(t)) })
	t.Run("CodeExists", func(t *testing.T) { testCodeExists(t, newStore(t)) })
	t.Run("Journal", func(t *testing.T) { testJournal(t, newStore(t)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testWithTxRollback(t, newStore(t)) })
	t.Run("LockUsers", func(t *testing.T) { testLockUsers(t, newStore(t)) })
	t.Run("NoLostUpdates", func(t *testing.T) { testNoLostUpdates(t, newStore(t)) })
}

// =============================================================================
// USERS
// =============================================================================

func testUsers(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	referrer := NewUser("REFA0001")
	require.NoError(t, s.CreateUser(ctx, referrer))

	user := ledger.NewUser(uuid.New(), "REFB0002", &referrer.ID, epoch)
	require.NoError(t, s.CreateUser(ctx, user))

	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "REFB0002", got.ReferralCode)
	require.NotNil(t, got.ReferredBy)
	assert.Equal(t, referrer.ID, *got.ReferredBy)
	assert.False(t, got.ReferralBonusPaid)
	assert.True(t, got.Account.Spendable.IsZero())
	assert.True(t, got.Account.Bonus.IsZero())
	assert.True(t, got.Account.Debt.IsZero())
	assert.Equal(t, ledger.CurrencyEUR, got.Account.Bonus.Currency)

	byCode, err := s.GetUserByReferralCode(ctx, "REFA0001")
	require.NoError(t, err)
	assert.Equal(t, referrer.ID, byCode.ID)
	assert.Nil(t, byCode.ReferredBy)

	_, err = s.GetUser(ctx, uuid.New())
	assert.True(t, ledger.IsNotFound(err), "missing user should be NotFound, got %v", err)

	_, err = s.GetUserByReferralCode(ctx, "NOPE0000")
	assert.True(t, ledger.IsNotFound(err))
}

func testUserUniqueness(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	first := NewUser("DUPL0001")
	require.NoError(t, s.CreateUser(ctx, first))

	sameCode := NewUser("DUPL0001")
	err := s.CreateUser(ctx, sameCode)
	assert.True(t, ledger.IsDuplicate(err, ledger.ScopeReferralCode), "got %v", err)

	sameID := NewUser("DUPL0002")
	sameID.ID = first.ID
	err = s.CreateUser(ctx, sameID)
	assert.True(t, ledger.IsDuplicate(err, ledger.ScopeUserID), "got %v", err)
}

func testAccountRoundTrip(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	u := NewUser("ACCT0001")
	require.NoError(t, s.CreateUser(ctx, u))

	acc := ledger.Account{
		Spendable: ledger.MustParseAmount("1234567.89", ledger.CurrencyXD),
		Bonus:     ledger.MustParseAmount("0.10", ledger.CurrencyEUR),
		Debt:      ledger.MustParseAmount("40.01", ledger.CurrencyXD),
	}
	require.NoError(t, s.UpdateAccount(ctx, u.ID, acc))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, acc.Spendable.Equal(got.Account.Spendable), "spendable %s", got.Account.Spendable)
	assert.True(t, acc.Bonus.Equal(got.Account.Bonus), "bonus %s", got.Account.Bonus)
	assert.True(t, acc.Debt.Equal(got.Account.Debt), "debt %s", got.Account.Debt)

	err = s.UpdateAccount(ctx, uuid.New(), acc)
	assert.True(t, ledger.IsNotFound(err))
}

func testReferralFlagCAS(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	u := NewUser("FLAG0001")
	require.NoError(t, s.CreateUser(ctx, u))

	ok, err := s.MarkReferralBonusPaid(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, ok, "first CAS wins")

	ok, err = s.MarkReferralBonusPaid(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second CAS loses")

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.ReferralBonusPaid)

	_, err = s.MarkReferralBonusPaid(ctx, uuid.New())
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func createPair(t *testing.T, s ledger.TxStore, prefix string) (buyer, seller ledger.User) {
	t.Helper()
	ctx := context.Background()
	buyer = NewUser(prefix + "B")
	seller = NewUser(prefix + "S")
	require.NoError(t, s.CreateUser(ctx, buyer))
	require.NoError(t, s.CreateUser(ctx, seller))
	return buyer, seller
}

func testTransactions(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	buyer, seller := createPair(t, s, "TXN000")

	listing := uuid.New()
	tx := NewPendingTransaction(buyer.ID, seller.ID, "75.50", "VOUCH001")
	tx.ListingRef = &listing
	tx.Commission = ledger.MustParseAmount("3.78", ledger.CurrencyXD)
	require.NoError(t, s.CreateTransaction(ctx, tx))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.BuyerID, got.BuyerID)
	assert.Equal(t, tx.SellerID, got.SellerID)
	require.NotNil(t, got.ListingRef)
	assert.Equal(t, listing, *got.ListingRef)
	assert.True(t, tx.Amount.Equal(got.Amount))
	assert.True(t, tx.Commission.Equal(got.Commission))
	assert.Equal(t, "VOUCH001", got.Voucher)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, epoch.Equal(got.CreatedAt))

	dup := NewPendingTransaction(buyer.ID, seller.ID, "10.00", "VOUCH001")
	err = s.CreateTransaction(ctx, dup)
	assert.True(t, ledger.IsDuplicate(err, ledger.ScopeVoucher), "got %v", err)

	self := NewPendingTransaction(seller.ID, seller.ID, "10.00", "VOUCH002")
	err = s.CreateTransaction(ctx, self)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	orphan := NewPendingTransaction(uuid.New(), seller.ID, "10.00", "VOUCH003")
	err = s.CreateTransaction(ctx, orphan)
	assert.True(t, ledger.IsNotFound(err), "unknown buyer should be NotFound, got %v", err)

	_, err = s.GetTransaction(ctx, uuid.New())
	assert.True(t, ledger.IsNotFound(err))
}

func testGuardedTransition(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	buyer, seller := createPair(t, s, "GRD000")

	tx := NewPendingTransaction(buyer.ID, seller.ID, "60.00", "GUARD001")
	require.NoError(t, s.CreateTransaction(ctx, tx))

	at := epoch.Add(time.Hour)
	ok, err := s.TransitionTransaction(ctx, tx.ID, ledger.StatusPending, ledger.StatusCompleted, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionTransaction(ctx, tx.ID, ledger.StatusPending, ledger.StatusCompleted, at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "guard must not match once completed")

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, at.Equal(*got.CompletedAt), "completed_at keeps the first stamp")

	cancel := NewPendingTransaction(buyer.ID, seller.ID, "5.00", "GUARD002")
	require.NoError(t, s.CreateTransaction(ctx, cancel))
	ok, err = s.TransitionTransaction(ctx, cancel.ID, ledger.StatusPending, ledger.StatusCancelled, at)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetTransaction(ctx, cancel.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, got.Status)
	assert.Nil(t, got.CompletedAt)
	require.NotNil(t, got.CancelledAt)

	_, err = s.TransitionTransaction(ctx, uuid.New(), ledger.StatusPending, ledger.StatusCompleted, at)
	assert.True(t, ledger.IsNotFound(err))
}

func testCodeExists(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	buyer, seller := createPair(t, s, "CODE000")
	require.NoError(t, s.CreateTransaction(ctx, NewPendingTransaction(buyer.ID, seller.ID, "1.00", "VCODE001")))

	cases := []struct {
		scope ledger.Scope
		code  string
		want  bool
	}{
		{ledger.ScopeReferralCode, "CODE000B", true},
		{ledger.ScopeReferralCode, "CODE000X", false},
		{ledger.ScopeVoucher, "VCODE001", true},
		{ledger.ScopeVoucher, "CODE000B", false},
	}
	for _, c := range cases {
		got, err := s.CodeExists(ctx, c.scope, c.code)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%s %s", c.scope, c.code)
	}

	_, err := s.CodeExists(ctx, ledger.ScopeIdempotencyKey, "x")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// JOURNAL
// =============================================================================

func testJournal(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	u := NewUser("JRNL0001")
	require.NoError(t, s.CreateUser(ctx, u))

	ref := uuid.NewString()
	first := ledger.NewMovement(u.ID, ledger.MovementDebtAmortization, ledger.MustParseAmount("-40.00", ledger.CurrencyXD), ref, epoch)
	second := ledger.NewMovement(u.ID, ledger.MovementSaleProceeds, ledger.MustParseAmount("60.00", ledger.CurrencyXD), ref, epoch.Add(time.Second))
	require.NoError(t, s.AppendMovements(ctx, []ledger.Movement{first, second}))

	got, err := s.Movements(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.MovementDebtAmortization, got[0].Kind)
	assert.True(t, first.Delta.Equal(got[0].Delta), "delta %s", got[0].Delta)
	assert.Equal(t, ref+":debt_amortization", got[0].IdempotencyKey)
	assert.Equal(t, ledger.MovementSaleProceeds, got[1].Kind)

	// A batch containing one replayed key is rejected as a whole.
	fresh := ledger.NewMovement(u.ID, ledger.MovementPurchaseDebit, ledger.MustParseAmount("-1.00", ledger.CurrencyXD), ref, epoch)
	replay := ledger.NewMovement(u.ID, ledger.MovementSaleProceeds, ledger.MustParseAmount("60.00", ledger.CurrencyXD), ref, epoch)
	err = s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.AppendMovements(ctx, []ledger.Movement{fresh, replay})
	})
	assert.True(t, ledger.IsDuplicate(err, ledger.ScopeIdempotencyKey), "got %v", err)

	got, err = s.Movements(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	replayed := ledger.Replay(got)
	assert.Equal(t, "60.00", replayed.Spendable.Fixed())
	assert.Equal(t, "-40.00", replayed.Debt.Fixed())
}

// =============================================================================
// SETTINGS
// =============================================================================

func testSettings(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "no_such_key")
	assert.True(t, ledger.IsNotFound(err))

	require.NoError(t, s.PutSetting(ctx, ledger.SettingReferrerBonus, "7.00"))
	require.NoError(t, ledger.SeedDefaultSettings(ctx, s))
	require.NoError(t, ledger.SeedDefaultSettings(ctx, s))

	v, err := s.GetSetting(ctx, ledger.SettingReferrerBonus)
	require.NoError(t, err)
	assert.Equal(t, "7.00", v, "seeding must not overwrite")

	bonuses, err := ledger.LoadReferralBonuses(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "7.00", bonuses.Referrer.Fixed())
	assert.Equal(t, "2.50", bonuses.Referee.Fixed())

	require.NoError(t, s.PutSetting(ctx, ledger.SettingReferrerBonus, "8.00"))
	v, err = s.GetSetting(ctx, ledger.SettingReferrerBonus)
	require.NoError(t, err)
	assert.Equal(t, "8.00", v)
}

// =============================================================================
// UNITS OF WORK
// =============================================================================

func testWithTxRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()

	u := NewUser("ROLL0001")
	require.NoError(t, s.CreateUser(ctx, u))

	boom := errors.New("boom")
	newcomer := NewUser("ROLL0002")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.CreateUser(ctx, newcomer); err != nil {
			return err
		}
		acc := u.Account
		acc.Spendable = ledger.MustParseAmount("99.00", ledger.CurrencyXD)
		if err := tx.UpdateAccount(ctx, u.ID, acc); err != nil {
			return err
		}
		if _, err := tx.MarkReferralBonusPaid(ctx, u.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetUser(ctx, newcomer.ID)
	assert.True(t, ledger.IsNotFound(err), "insert must be rolled back")

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Account.Spendable.IsZero(), "balance update must be rolled back")
	assert.False(t, got.ReferralBonusPaid, "flag must be rolled back")

	// A committed unit is visible afterwards.
	err = s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.CreateUser(ctx, newcomer)
	})
	require.NoError(t, err)
	_, err = s.GetUser(ctx, newcomer.ID)
	assert.NoError(t, err)
}

func testLockUsers(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a, b := createPair(t, s, "LOCK000")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		users, err := tx.LockUsers(ctx, b.ID, a.ID, b.ID)
		if err != nil {
			return err
		}
		assert.Len(t, users, 2)
		assert.Equal(t, a.ReferralCode, users[a.ID].ReferralCode)
		assert.Equal(t, b.ReferralCode, users[b.ID].ReferralCode)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.LockUsers(ctx, a.ID, uuid.New())
		return err
	})
	assert.True(t, ledger.IsNotFound(err))
}

// testNoLostUpdates runs concurrent read-modify-write units on one account.
// Every increment must survive.
func testNoLostUpdates(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	u := NewUser("RACE0001")
	require.NoError(t, s.CreateUser(ctx, u))

	const workers = 16
	one := ledger.MustParseAmount("1.00", ledger.CurrencyXD)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return s.WithTx(ctx, func(tx ledger.Store) error {
				users, err := tx.LockUsers(ctx, u.ID)
				if err != nil {
					return err
				}
				acc := users[u.ID].Account
				acc.Spendable = acc.Spendable.Add(one)
				return tx.UpdateAccount(ctx, u.ID, acc)
			})
		})
	}
	require.NoError(t, g.Wait())

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d.00", workers), got.Account.Spendable.Fixed())
}
