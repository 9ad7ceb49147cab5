package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/storetest"
	"github.com/warp/ledger-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore { return newTestStore(t) })
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: A file database with a settled account
	// WHEN: The store is closed and opened again
	// THEN: Balances, flags and schema survive, and migrate is idempotent

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := sqlite.New(path)
	require.NoError(t, err)

	u := storetest.NewUser("REOPEN01")
	require.NoError(t, store.CreateUser(ctx, u))
	acc := u.Account
	acc.Debt = ledger.MustParseAmount("40.00", ledger.CurrencyXD)
	require.NoError(t, store.UpdateAccount(ctx, u.ID, acc))
	_, err = store.MarkReferralBonusPaid(ctx, u.ID)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "40.00", got.Account.Debt.Fixed())
	assert.True(t, got.ReferralBonusPaid)
}

func TestStore_SelfReferralRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	u := storetest.NewUser("SELF0001")
	u.ReferredBy = &u.ID
	err := store.CreateUser(ctx, u)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestStore_UnknownReferrer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ghost := storetest.NewUser("GHOST001")
	u := storetest.NewUser("ORPHAN01")
	u.ReferredBy = &ghost.ID

	err := store.CreateUser(ctx, u)
	assert.True(t, ledger.IsNotFound(err), "got %v", err)
}
