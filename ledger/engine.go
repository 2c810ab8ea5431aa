/*
engine.go - Ledger Engine construction and shared plumbing

PURPOSE:
  The Engine is the only component allowed to change a balance. It is
  built once by the composition root with an explicitly constructed
  store handle; it never opens or closes connections itself.

CONCURRENCY:
  Any number of requests run in parallel. Two guarantees hold:
  1. Per-account serializability: operations that mutate a balance hold
     the account's lock stripe for the whole read-modify-write.
  2. Atomic multi-account commits: every write of an operation goes
     through Store.Atomically, so a failure between the debit and the
     credit leaves nothing behind.
  Locks are taken in ascending stripe order (see locks.go), the same
  idea as locking rows in id order inside a SQL transaction.

OPERATIONS:
  send.go     Send
  cashin.go   CashIn, ListRequestsForAgent, ApproveCashIn, RejectCashIn, ExpireStaleRequests
  cashout.go  CashOut
  history.go  History
  account.go  Register, Login, Logout, Balance, Activate, Credit

SEE ALSO:
  - retry.go: Bounded retry and per-call timeouts
  - policy.go: Fee and VAT numbers
*/
package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Observer receives one observation per engine operation. metrics.Metrics
// implements it.
type Observer interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, time.Duration) {}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    Store
	hasher   PINHasher
	issuer   Issuer
	policy   Policy
	retry    RetryConfig
	locks    *lockStripes
	log      zerolog.Logger
	observer Observer
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

func WithRetry(c RetryConfig) Option { return func(e *Engine) { e.retry = c } }

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log.With().Str("component", "engine").Logger() }
}

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDGenerator(newID func() string) Option { return func(e *Engine) { e.newID = newID } }

func WithLockStripes(n int) Option { return func(e *Engine) { e.locks = newLockStripes(n) } }

// NewEngine wires the engine to its collaborators.
func NewEngine(store Store, hasher PINHasher, issuer Issuer, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		hasher:   hasher,
		issuer:   issuer,
		policy:   DefaultPolicy(),
		retry:    DefaultRetryConfig(),
		locks:    newLockStripes(defaultLockStripes),
		log:      zerolog.Nop(),
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Policy() Policy { return e.policy }

// =============================================================================
// HELPERS
// =============================================================================

// observe times op and reports its outcome.
func observe[T any](e *Engine, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	result, err := fn()
	outcome := Outcome(err)
	e.observer.ObserveOperation(op, outcome, time.Since(start))

	switch {
	case err == nil:
	case IsValidation(err):
		e.log.Debug().Str("op", op).Str("outcome", outcome).Msg(Reason(err))
	case errors.Is(err, ErrIntegrityFault):
		e.log.Error().Str("op", op).Err(err).Msg("integrity fault")
	default:
		e.log.Error().Str("op", op).Err(err).Msg("operation failed")
	}
	return result, err
}

// Outcome names the failure kind of err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPin):
		return "invalid_pin"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrIntegrityFault):
		return "integrity_fault"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func requireCaller(caller Identity, subject string) error {
	if caller.IsZero() {
		return ErrAuth
	}
	if caller.Email != subject {
		return fail(ErrForbidden, "caller may only act on its own account")
	}
	return nil
}

// requireAmount checks that amount is positive and within the policy cap.
func (e *Engine) requireAmount(amount int64) error {
	if amount <= 0 {
		return fail(ErrInvalidRequest, "amount must be positive")
	}
	if e.policy.MaxAmount > 0 && amount > e.policy.MaxAmount {
		return fail(ErrInvalidRequest, "amount exceeds the limit of %d", e.policy.MaxAmount)
	}
	return nil
}

// addToBalance returns account's balance plus amount, or InvalidRequest if
// the sum would not fit in an int64. amount must be positive.
func addToBalance(account *Account, amount int64) (int64, error) {
	if account.Balance > math.MaxInt64-amount {
		return 0, fail(ErrInvalidRequest, "balance limit exceeded for %q", account.Email)
	}
	return account.Balance + amount, nil
}

// ownAccount loads the caller's account and checks that identifier names
// it. A mismatch is Forbidden whether or not identifier exists.
func (e *Engine) ownAccount(ctx context.Context, caller Identity, identifier string) (*Account, error) {
	if caller.IsZero() {
		return nil, ErrAuth
	}
	account, err := e.account(ctx, caller.Email)
	if errors.Is(err, ErrNotFound) {
		return nil, fail(ErrForbidden, "unknown caller")
	}
	if err != nil {
		return nil, err
	}
	if !account.Matches(identifier) {
		return nil, fail(ErrForbidden, "caller may only act on its own account")
	}
	return account, nil
}

// resolve runs the resolver outside any transaction, with retries.
func (e *Engine) resolve(ctx context.Context, identifier string, agent bool) (*Account, error) {
	var account *Account
	err := e.withRetry(ctx, "resolve", func(ctx context.Context) error {
		r := NewResolver(e.store)
		var err error
		if agent {
			account, err = r.ResolveAgent(ctx, identifier)
		} else {
			account, err = r.Resolve(ctx, identifier)
		}
		return err
	})
	return account, err
}

// account loads an account by email outside any transaction.
func (e *Engine) account(ctx context.Context, email string) (*Account, error) {
	var account *Account
	err := e.withRetry(ctx, "get_account", func(ctx context.Context) error {
		var err error
		account, err = e.store.GetByEmail(ctx, email)
		return err
	})
	if errors.Is(err, ErrAccountNotFound) {
		return nil, fail(ErrNotFound, "no account for %q", email)
	}
	return account, err
}

// verifyPIN checks pin against the account. A hasher error is returned as
// is and is never reported as InvalidPin.
func (e *Engine) verifyPIN(account *Account, pin string) error {
	ok, err := e.hasher.Verify(account.PINHash, pin)
	if err != nil {
		return err
	}
	if !ok {
		return fail(ErrInvalidPin, "invalid pin")
	}
	return nil
}

// authorize loads the caller's own account and checks the PIN.
func (e *Engine) authorize(ctx context.Context, caller Identity, pin string) (*Account, error) {
	account, err := e.account(ctx, caller.Email)
	if err != nil {
		return nil, err
	}
	if err := e.verifyPIN(account, pin); err != nil {
		return nil, err
	}
	return account, nil
}

// mustGet loads an account inside a transaction. The account was resolved
// before the transaction started, so a miss here means it vanished.
func mustGet(ctx context.Context, tx Tx, email string) (*Account, error) {
	account, err := tx.GetByEmail(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, fail(ErrNotFound, "no account for %q", email)
	}
	return account, err
}
