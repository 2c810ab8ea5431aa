package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds how the engine retries transient store failures.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Timeout caps each individual store call. Zero means the caller's
	// context is the only deadline.
	Timeout time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		Timeout:         5 * time.Second,
	}
}

func (c RetryConfig) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialInterval
	exp.MaxInterval = c.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, c.MaxRetries), ctx)
}

// withRetry runs fn, retrying only on transient failures and per-call
// timeouts. Business failures and integrity faults stop immediately.
// Exhausted retries surface as ErrUnavailable, never as a business kind.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.retry.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.retry.Timeout)
		}
		err := fn(callCtx)
		cancel()

		switch {
		case err == nil:
			return nil
		case IsTransient(err):
			return err
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return Transient(err)
		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		e.log.Warn().Err(err).Str("op", op).Dur("wait", wait).Msg("transient store failure, retrying")
	}

	err := backoff.RetryNotify(attempt, e.retry.backoff(ctx), notify)
	if err == nil {
		return nil
	}
	if IsTransient(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return err
}

// atomically runs fn inside a store transaction with bounded retries.
func (e *Engine) atomically(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	return e.withRetry(ctx, op, func(ctx context.Context) error {
		return e.store.Atomically(ctx, func(tx Tx) error {
			return fn(ctx, tx)
		})
	})
}
