package referral_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
	"github.com/warp/ledger-engine/ledger/storetest"
	"github.com/warp/ledger-engine/referral"
	"github.com/warp/ledger-engine/store/sqlite"
)

var now = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stores(t *testing.T, fn func(t *testing.T, s ledger.TxStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewTxMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func seeded(t *testing.T, s ledger.TxStore) context.Context {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ledger.SeedDefaultSettings(ctx, s))
	return ctx
}

func createUser(t *testing.T, s ledger.TxStore, referredBy *uuid.UUID) ledger.User {
	t.Helper()
	u := storetest.NewUser(strings.ToUpper(uuid.NewString()[:8]))
	u.ReferredBy = referredBy
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func getUser(t *testing.T, s ledger.TxStore, id uuid.UUID) ledger.User {
	t.Helper()
	u, err := s.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func newIssuer(s ledger.TxStore, opts ...referral.Option) *referral.Issuer {
	opts = append([]referral.Option{
		referral.WithClock(func() time.Time { return now }),
		referral.WithLogger(quietLogger()),
	}, opts...)
	return referral.NewIssuer(s, opts...)
}

func TestNotifyUserApproved_PaysBothParties(t *testing.T) {
	// GIVEN: A referred user and bonuses referrer=5.00 EUR, referee=2.50 EUR
	// WHEN: The user is approved, then approved again
	// THEN: Both bonuses are paid once and the flag is set

	stores(t, func(t *testing.T, s ledger.TxStore) {
		ctx := seeded(t, s)
		referrer := createUser(t, s, nil)
		referee := createUser(t, s, &referrer.ID)
		issuer := newIssuer(s)

		result, err := issuer.NotifyUserApproved(ctx, referee.ID)
		require.NoError(t, err)
		assert.Equal(t, referral.OutcomePaid, result.Outcome)
		require.NotNil(t, result.ReferrerID)
		assert.Equal(t, referrer.ID, *result.ReferrerID)
		assert.Equal(t, "5.00", result.Bonuses.Referrer.Fixed())
		assert.Equal(t, "2.50", result.Bonuses.Referee.Fixed())

		assert.Equal(t, "5.00", getUser(t, s, referrer.ID).Account.Bonus.Fixed())
		paid := getUser(t, s, referee.ID)
		assert.Equal(t, "2.50", paid.Account.Bonus.Fixed())
		assert.True(t, paid.ReferralBonusPaid)
		assert.True(t, paid.Account.Spendable.IsZero(), "bonuses never touch spendable")

		again, err := issuer.NotifyUserApproved(ctx, referee.ID)
		require.NoError(t, err)
		assert.Equal(t, referral.OutcomeAlreadyPaid, again.Outcome)
		assert.Equal(t, "5.00", getUser(t, s, referrer.ID).Account.Bonus.Fixed())
		assert.Equal(t, "2.50", getUser(t, s, referee.ID).Account.Bonus.Fixed())
	})
}

func TestNotifyUserApproved_Journal(t *testing.T) {
	stores(t, func(t *testing.T, s ledger.TxStore) {
		ctx := seeded(t, s)
		referrer := createUser(t, s, nil)
		referee := createUser(t, s, &referrer.ID)

		_, err := newIssuer(s).NotifyUserApproved(ctx, referee.ID)
		require.NoError(t, err)

		movements, err := s.Movements(ctx, referrer.ID)
		require.NoError(t, err)
		require.Len(t, movements, 1)
		assert.Equal(t, ledger.MovementReferrerBonus, movements[0].Kind)
		assert.Equal(t, ledger.CurrencyEUR, movements[0].Delta.Currency)
		assert.Equal(t, referee.ID.String(), movements[0].Reference)

		movements, err = s.Movements(ctx, referee.ID)
		require.NoError(t, err)
		require.Len(t, movements, 1)
		assert.Equal(t, ledger.MovementRefereeBonus, movements[0].Kind)
		assert.Equal(t, "2.50", movements[0].Delta.Fixed())
		assert.True(t, movements[0].CreatedAt.Equal(now))
	})
}

func TestNotifyUserApproved_ConcurrentCallsPayOnce(t *testing.T) {
	stores(t, func(t *testing.T, s ledger.TxStore) {
		ctx := seeded(t, s)
		referrer := createUser(t, s, nil)
		referee := createUser(t, s, &referrer.ID)
		issuer := newIssuer(s)

		const callers = 16
		outcomes := make([]referral.Outcome, callers)
		var g errgroup.Group
		for i := 0; i < callers; i++ {
			g.Go(func() error {
				result, err := issuer.NotifyUserApproved(ctx, referee.ID)
				if err != nil {
					return err
				}
				outcomes[i] = result.Outcome
				return nil
			})
		}
		require.NoError(t, g.Wait())

		paid := 0
		for _, o := range outcomes {
			if o == referral.OutcomePaid {
				paid++
			} else {
				assert.Equal(t, referral.OutcomeAlreadyPaid, o)
			}
		}
		assert.Equal(t, 1, paid)
		assert.Equal(t, "5.00", getUser(t, s, referrer.ID).Account.Bonus.Fixed())
		assert.Equal(t, "2.50", getUser(t, s, referee.ID).Account.Bonus.Fixed())
	})
}

func TestNotifyUserApproved_ReferrerOfMany(t *testing.T) {
	// One referrer, several referees approved concurrently: every bonus lands.
	stores(t, func(t *testing.T, s ledger.TxStore) {
		ctx := seeded(t, s)
		referrer := createUser(t, s, nil)
		var referees []ledger.User
		for i := 0; i < 4; i++ {
			referees = append(referees, createUser(t, s, &referrer.ID))
		}
		issuer := newIssuer(s)

		var g errgroup.Group
		for _, u := range referees {
			g.Go(func() error {
				_, err := issuer.NotifyUserApproved(ctx, u.ID)
				return err
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, "20.00", getUser(t, s, referrer.ID).Account.Bonus.Fixed())
	})
}

func TestNotifyUserApproved_NoReferrer(t *testing.T) {
	tests := []struct {
		policy   referral.NoReferrerPolicy
		wantFlag bool
	}{
		{referral.NoReferrerMarkPaid, true},
		{referral.NoReferrerLeaveEligible, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			stores(t, func(t *testing.T, s ledger.TxStore) {
				ctx := seeded(t, s)
				u := createUser(t, s, nil)
				issuer := newIssuer(s, referral.WithNoReferrerPolicy(tt.policy))

				result, err := issuer.NotifyUserApproved(ctx, u.ID)
				require.NoError(t, err)
				assert.Equal(t, referral.OutcomeNoReferrer, result.Outcome)
				assert.Nil(t, result.ReferrerID)

				got := getUser(t, s, u.ID)
				assert.Equal(t, tt.wantFlag, got.ReferralBonusPaid)
				assert.True(t, got.Account.Bonus.IsZero())

				second, err := issuer.NotifyUserApproved(ctx, u.ID)
				require.NoError(t, err)
				if tt.wantFlag {
					assert.Equal(t, referral.OutcomeAlreadyPaid, second.Outcome)
				} else {
					assert.Equal(t, referral.OutcomeNoReferrer, second.Outcome)
				}
			})
		})
	}
}

func TestNotifyUserApproved_Errors(t *testing.T) {
	stores(t, func(t *testing.T, s ledger.TxStore) {
		ctx := seeded(t, s)

		_, err := newIssuer(s).NotifyUserApproved(ctx, uuid.New())
		assert.True(t, ledger.IsNotFound(err), "unknown user: %v", err)

		// Broken settings leave the flag untouched.
		referrer := createUser(t, s, nil)
		referee := createUser(t, s, &referrer.ID)
		require.NoError(t, s.PutSetting(ctx, ledger.SettingReferrerBonus, "-5.00"))

		_, err = newIssuer(s).NotifyUserApproved(ctx, referee.ID)
		assert.ErrorIs(t, err, ledger.ErrValidation)
		got := getUser(t, s, referee.ID)
		assert.False(t, got.ReferralBonusPaid)
		assert.True(t, got.Account.Bonus.IsZero())
		assert.True(t, getUser(t, s, referrer.ID).Account.Bonus.IsZero())
	})
}

func TestNotifyUserApproved_ZeroBonusStillClosesFlag(t *testing.T) {
	stores(t, func(t *testing.T, s ledger.TxStore) {
		ctx := seeded(t, s)
		require.NoError(t, s.PutSetting(ctx, ledger.SettingRefereeBonus, "0.00"))
		referrer := createUser(t, s, nil)
		referee := createUser(t, s, &referrer.ID)

		result, err := newIssuer(s).NotifyUserApproved(ctx, referee.ID)
		require.NoError(t, err)
		assert.Equal(t, referral.OutcomePaid, result.Outcome)
		assert.True(t, getUser(t, s, referee.ID).ReferralBonusPaid)

		movements, err := s.Movements(ctx, referee.ID)
		require.NoError(t, err)
		assert.Empty(t, movements, "zero amounts are not journaled")
	})
}

func TestParseNoReferrerPolicy(t *testing.T) {
	got, err := referral.ParseNoReferrerPolicy("")
	require.NoError(t, err)
	assert.Equal(t, referral.NoReferrerMarkPaid, got)

	got, err = referral.ParseNoReferrerPolicy("LEAVE_ELIGIBLE")
	require.NoError(t, err)
	assert.Equal(t, referral.NoReferrerLeaveEligible, got)

	_, err = referral.ParseNoReferrerPolicy("refund")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
