package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/auth"
	"github.com/warp/mfc-ledger/ledger"
	memstore "github.com/warp/mfc-ledger/ledger/store"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testPIN = "1234"

var ctx = context.Background()

// testClock ticks one second per reading so records created by successive
// operations have distinct, increasing timestamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine   *ledger.Engine
	store    *memstore.Memory
	sessions *auth.Sessions
	clock    *testClock
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memstore.NewMemory(), opts...)
}

func newFixtureWithStore(t *testing.T, st ledger.Store, opts ...ledger.Option) *fixture {
	t.Helper()

	sessions, err := auth.NewSessions([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	clock := newTestClock()
	opts = append([]ledger.Option{ledger.WithClock(clock.Now)}, opts...)
	engine := ledger.NewEngine(st, auth.BcryptHasher{Cost: bcrypt.MinCost}, sessions, opts...)

	f := &fixture{engine: engine, sessions: sessions, clock: clock}
	if mem, ok := st.(*memstore.Memory); ok {
		f.store = mem
	}
	return f
}

// account registers an account and funds it directly through the store.
func (f *fixture) account(t *testing.T, email, phone string, role ledger.Role, balance int64) ledger.Identity {
	t.Helper()
	_, err := f.engine.Register(ctx, ledger.RegisterRequest{
		Email: email,
		Phone: phone,
		Name:  email,
		PIN:   testPIN,
		Role:  role,
	})
	require.NoError(t, err)
	if balance != 0 {
		require.NoError(t, f.store.UpdateBalance(ctx, email, balance))
	}
	return ledger.Identity{Email: email}
}

func (f *fixture) balance(t *testing.T, email string) int64 {
	t.Helper()
	account, err := f.store.GetByEmail(ctx, email)
	require.NoError(t, err)
	return account.Balance
}

func (f *fixture) history(t *testing.T, email string) []ledger.Record {
	t.Helper()
	records, err := f.store.QueryByActor(ctx, email, ledger.MaxHistoryLimit)
	require.NoError(t, err)
	return records
}

// failingCreditStore fails every credit-leg Append made inside a
// transaction, after the debit leg and both balance updates went through.
type failingCreditStore struct {
	*memstore.Memory
	err error
}

func (s *failingCreditStore) Atomically(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.Memory.Atomically(ctx, func(tx ledger.Tx) error {
		return fn(failingCreditTx{Tx: tx, err: s.err})
	})
}

type failingCreditTx struct {
	ledger.Tx
	err error
}

func (t failingCreditTx) Append(ctx context.Context, record ledger.Record) error {
	if record.Direction == ledger.Credit {
		return t.err
	}
	return t.Tx.Append(ctx, record)
}
