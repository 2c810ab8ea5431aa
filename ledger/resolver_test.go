package ledger_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/ledger"
	memstore "github.com/warp/mfc-ledger/ledger/store"
)

// duplicateAccounts is an AccountStore whose identifier index is broken.
type duplicateAccounts struct {
	ledger.AccountStore
	calls atomic.Int64
}

func (d *duplicateAccounts) GetByIdentifier(_ context.Context, id string) ([]ledger.Account, error) {
	d.calls.Add(1)
	return []ledger.Account{
		{Email: "one@example.com", Phone: id, Role: ledger.RoleAgent},
		{Email: id, Role: ledger.RoleNormal},
	}, nil
}

// flakyStore fails identifier lookups transiently a fixed number of times.
type flakyStore struct {
	*memstore.Memory
	failures atomic.Int64
	calls    atomic.Int64
}

func (s *flakyStore) GetByIdentifier(ctx context.Context, id string) ([]ledger.Account, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return nil, ledger.Transient(errors.New("database is locked"))
	}
	return s.Memory.GetByIdentifier(ctx, id)
}

func fastRetry(retries uint64) ledger.Option {
	return ledger.WithRetry(ledger.RetryConfig{
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Timeout:         time.Second,
	})
}

// =============================================================================
// RESOLVER
// =============================================================================

func TestResolver_ByEmailOrPhone(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice@example.com", "0700000001", ledger.RoleNormal, 0)
	f.account(t, "agent@example.com", "0711000000", ledger.RoleAgent, 0)
	r := ledger.NewResolver(f.store)

	byEmail, err := r.Resolve(ctx, "alice@example.com")
	require.NoError(t, err)
	byPhone, err := r.Resolve(ctx, "0700000001")
	require.NoError(t, err)
	assert.Equal(t, byEmail.Email, byPhone.Email)

	_, err = r.Resolve(ctx, "0799999999")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = r.ResolveAgent(ctx, "0700000001")
	assert.ErrorIs(t, err, ledger.ErrNotFound, "normal account is not an agent")

	agent, err := r.ResolveAgent(ctx, "0711000000")
	require.NoError(t, err)
	assert.Equal(t, "agent@example.com", agent.Email)
}

func TestResolver_AmbiguousIdentifierIsIntegrityFault(t *testing.T) {
	r := ledger.NewResolver(&duplicateAccounts{})

	_, err := r.Resolve(ctx, "shared@example.com")

	assert.ErrorIs(t, err, ledger.ErrIntegrityFault)
	assert.False(t, ledger.IsValidation(err))
	assert.Equal(t, "integrity_fault", ledger.Outcome(err))
}

// =============================================================================
// RETRIES
// =============================================================================

func TestEngine_TransientFailureIsRetried(t *testing.T) {
	st := &flakyStore{Memory: memstore.NewMemory()}
	f := newFixtureWithStore(t, st, fastRetry(3))
	f.store = st.Memory
	alice := f.account(t, "alice@example.com", "", ledger.RoleNormal, 42)

	st.calls.Store(0)
	st.failures.Store(2)
	account, err := f.engine.Balance(ctx, alice, alice.Email)

	require.NoError(t, err)
	assert.Equal(t, int64(42), account.Balance)
	assert.Equal(t, int64(3), st.calls.Load())
}

func TestEngine_ExhaustedRetriesAreUnavailable(t *testing.T) {
	// GIVEN: The store keeps failing transiently
	// WHEN: Alice sends money
	// THEN: ErrUnavailable, never a business failure, and nothing moved

	st := &flakyStore{Memory: memstore.NewMemory()}
	f := newFixtureWithStore(t, st, fastRetry(2))
	f.store = st.Memory
	alice := f.account(t, "alice@example.com", "", ledger.RoleNormal, 500)
	f.account(t, "bob@example.com", "", ledger.RoleNormal, 0)

	st.calls.Store(0)
	st.failures.Store(100)
	_, err := f.engine.Send(ctx, alice, ledger.SendRequest{
		From: alice.Email, To: "bob@example.com", Amount: 50, PIN: testPIN,
	})

	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.False(t, ledger.IsValidation(err))
	assert.Equal(t, int64(3), st.calls.Load(), "first attempt plus two retries")
	assert.Equal(t, int64(500), f.balance(t, alice.Email))
}
