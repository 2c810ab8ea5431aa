package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/ledger"
	"github.com/warp/mfc-ledger/ledger/storetest"
	"github.com/warp/mfc-ledger/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	// GIVEN: An account written to a database file
	// WHEN: The file is closed and opened again
	// THEN: The account and its balance are still there

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, ledger.Account{
		Email:  "alice@example.com",
		Phone:  "0700000001",
		Role:   ledger.RoleAgent,
		Status: ledger.StatusPending,
	}))
	require.NoError(t, store.UpdateBalance(ctx, "alice@example.com", 900))
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	accounts, err := reopened.GetByIdentifier(ctx, "0700000001")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(900), accounts[0].Balance)
	assert.Equal(t, ledger.RoleAgent, accounts[0].Role)
}

func TestSQLite_NegativeBalanceRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Insert(ctx, ledger.Account{
		Email: "alice@example.com", Role: ledger.RoleNormal, Status: ledger.StatusPending,
	}))

	err := store.UpdateBalance(ctx, "alice@example.com", -1)
	assert.Error(t, err)

	account, err := store.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)
}
