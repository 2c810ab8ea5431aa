package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/ledger"
	"github.com/warp/mfc-ledger/ledger/store"
	"github.com/warp/mfc-ledger/ledger/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return store.NewMemory()
	})
}

func TestMemory_AtomicallyHonoursCancelledContext(t *testing.T) {
	m := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.Atomically(ctx, func(ledger.Tx) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
