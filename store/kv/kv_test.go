package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/ledger"
	"github.com/warp/mfc-ledger/ledger/storetest"
	"github.com/warp/mfc-ledger/store/kv"
)

func newTestStore(t *testing.T, dir string) *kv.Store {
	t.Helper()
	store, err := kv.Open(kv.DefaultOptions(dir))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKV(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t, "")
	})
}

func TestKV_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := kv.Open(kv.DefaultOptions(dir))
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, ledger.Account{
		Email: "alice@example.com", Phone: "0700000001", Role: ledger.RoleNormal, Status: ledger.StatusActive,
	}))
	require.NoError(t, store.Append(ctx, ledger.Record{
		ID: "r1", Kind: ledger.KindCredit, Direction: ledger.Credit,
		Actor: "alice@example.com", Amount: 10, Balance: 10, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Close())

	reopened := newTestStore(t, dir)
	accounts, err := reopened.GetByIdentifier(ctx, "0700000001")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, ledger.StatusActive, accounts[0].Status)

	records, err := reopened.QueryByActor(ctx, "alice@example.com", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].ID)
}

func TestKV_ActorPrefixesDoNotOverlap(t *testing.T) {
	// "al" is a prefix of "alice": its history scan must not pick up alice's records
	ctx := context.Background()
	store := newTestStore(t, "")

	require.NoError(t, store.Append(ctx, ledger.Record{
		ID: "r1", Actor: "alice@example.com", Amount: 10, CreatedAt: time.Now().UTC(),
	}))

	records, err := store.QueryByActor(ctx, "al", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCodec_RoundTripsCompressedValues(t *testing.T) {
	codec, err := kv.NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	in := ledger.CashRequest{
		ID: "r1", Owner: "owner@example.com", Agent: "agent@example.com",
		Amount: 300, Direction: ledger.DirectionOut, Status: ledger.RequestPending,
		CreatedAt: time.Date(2025, time.March, 10, 9, 0, 0, 123456789, time.UTC),
	}
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out ledger.CashRequest
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Direction, out.Direction)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))

	assert.Error(t, codec.Unmarshal([]byte("not zstd"), &out))
}
