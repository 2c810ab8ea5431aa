/*
scheduler.go - Pending cash request expiry

PURPOSE:
  Periodically expires cash requests that stayed pending longer than the
  configured TTL, so agents do not see stale requests forever.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each run calls Engine.ExpireStaleRequests; stale requests are
    rejected with the reason "expired"
  - A run that fails is logged and retried at the next tick

USAGE:
  scheduler := NewExpiryScheduler(engine, 24*time.Hour, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/cashin.go: ExpireStaleRequests
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/mfc-ledger/ledger"
)

// ExpiryObserver is told how many requests each run expired.
type ExpiryObserver interface {
	ObserveExpired(n int)
}

// ExpiryScheduler expires stale pending requests on an interval.
type ExpiryScheduler struct {
	Engine        *ledger.Engine
	MaxAge        time.Duration
	CheckInterval time.Duration
	Enabled       bool
	Observer      ExpiryObserver

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpiryScheduler creates a scheduler that checks every 10 minutes.
func NewExpiryScheduler(engine *ledger.Engine, maxAge time.Duration, log zerolog.Logger) *ExpiryScheduler {
	return &ExpiryScheduler{
		Engine:        engine,
		MaxAge:        maxAge,
		CheckInterval: 10 * time.Minute,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.log.Info().Msg("expiry scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.log.Info().Dur("interval", s.CheckInterval).Dur("max_age", s.MaxAge).Msg("expiry scheduler started")
}

// Stop stops the scheduler and waits for a running check to finish.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info().Msg("expiry scheduler stopped")
}

func (s *ExpiryScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one expiry pass and returns how many requests expired.
func (s *ExpiryScheduler) RunNow(ctx context.Context) int {
	n, err := s.Engine.ExpireStaleRequests(ctx, s.MaxAge)
	if err != nil {
		s.log.Error().Err(err).Int("expired", n).Msg("expiry pass failed")
	}
	if n > 0 {
		s.log.Info().Int("expired", n).Msg("expired stale cash requests")
	}
	if s.Observer != nil {
		s.Observer.ObserveExpired(n)
	}
	return n
}
