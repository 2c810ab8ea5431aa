package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/ledger"
)

type countingObserver struct {
	expired atomic.Int64
}

func (c *countingObserver) ObserveExpired(n int) { c.expired.Add(int64(n)) }

// fileCashIn files a cash-in from alice to the agent and returns its id.
func fileCashIn(t *testing.T, s *testServer, token string) string {
	t.Helper()

	rec := s.do(http.MethodPost, "/api/accounts/alice@example.com/cash-in", token, CashInRequest{
		Agent: "agent@example.com", Amount: 100, PIN: testPIN,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[CashRequestDTO](t, rec).ID
}

func TestExpiryScheduler_RunNow(t *testing.T) {
	// GIVEN: A request filed two hours ago and one filed now
	// WHEN: A pass runs with a one hour max age
	// THEN: Only the old request is rejected as expired, and it is counted

	s := newTestServer(t)
	alice := s.register("alice@example.com", "", "")
	s.register("agent@example.com", "", "agent")

	old := fileCashIn(t, s, alice)
	s.clock.Advance(2 * time.Hour)
	fresh := fileCashIn(t, s, alice)

	obs := &countingObserver{}
	scheduler := NewExpiryScheduler(s.engine, time.Hour, zerolog.Nop())
	scheduler.Observer = obs

	assert.Equal(t, 1, scheduler.RunNow(context.Background()))
	assert.Equal(t, int64(1), obs.expired.Load())

	expired, err := s.store.GetRequest(context.Background(), old)
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestRejected, expired.Status)
	assert.Equal(t, "expired", expired.RejectionReason)

	kept, err := s.store.GetRequest(context.Background(), fresh)
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestPending, kept.Status)

	assert.Equal(t, 0, scheduler.RunNow(context.Background()))
}

func TestExpiryScheduler_StartRunsImmediately(t *testing.T) {
	s := newTestServer(t)
	alice := s.register("alice@example.com", "", "")
	s.register("agent@example.com", "", "agent")

	id := fileCashIn(t, s, alice)
	s.clock.Advance(2 * time.Hour)

	scheduler := NewExpiryScheduler(s.engine, time.Hour, zerolog.Nop())
	scheduler.CheckInterval = time.Hour
	scheduler.Start()
	scheduler.Start() // no-op while running
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		r, err := s.store.GetRequest(context.Background(), id)
		return err == nil && r.Status == ledger.RequestRejected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExpiryScheduler_DisabledDoesNothing(t *testing.T) {
	s := newTestServer(t)
	alice := s.register("alice@example.com", "", "")
	s.register("agent@example.com", "", "agent")

	id := fileCashIn(t, s, alice)
	s.clock.Advance(2 * time.Hour)

	scheduler := NewExpiryScheduler(s.engine, time.Hour, zerolog.Nop())
	scheduler.Enabled = false
	scheduler.Start()
	scheduler.Stop()

	r, err := s.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestPending, r.Status)
}
