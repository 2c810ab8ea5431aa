/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the boundary between the ledger logic and the database. The
  engine never talks to a driver; it talks to these interfaces, and the
  composition root decides which backend sits behind them.

KEY INTERFACES:
  AccountStore: keyed account records (lookup by email or phone, balance updates)
  HistoryStore: append-only history records, queried newest first
  RequestStore: cash-in/cash-out requests serviced by agents
  Store:        all of the above plus Atomically and Close

APPEND-ONLY CONTRACT:
  HistoryStore has Append and QueryByActor. There is no Update and no
  Delete. Corrections are new records.

ATOMIC UNITS:
  Atomically(ctx, fn) runs fn against a transactional view. Every write
  made through the view commits together when fn returns nil, and none
  of them survive when fn returns an error. Send and cash-out move two
  balances and append two records; they always go through Atomically.

ERRORS:
  Backends return ErrAccountNotFound / ErrRequestNotFound for missing
  rows, ErrDuplicateAccount for uniqueness violations, and wrap lock
  contention or lost connections with Transient().

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: default durable backend
  - store/postgres/postgres.go: pgx pool with row locks
  - store/kv/kv.go: embedded badger key-value store

SEE ALSO:
  - resolver.go: Identity resolution on top of AccountStore
  - retry.go: Bounded retry around Atomically
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

type AccountStore interface {
	// GetByIdentifier returns every account whose email or phone equals id.
	// Uniqueness constraints mean the result has at most one element; the
	// resolver treats anything else as an integrity fault.
	GetByIdentifier(ctx context.Context, id string) ([]Account, error)

	// GetByEmail returns ErrAccountNotFound when no account has this email.
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// Insert creates a new account. Returns ErrDuplicateAccount if the email
	// or phone is taken.
	Insert(ctx context.Context, account Account) error

	// UpdateBalance overwrites the stored balance. Callers hold the account
	// inside Atomically, so this is never a blind write.
	UpdateBalance(ctx context.Context, email string, balance int64) error

	SetLoggedIn(ctx context.Context, email string, loggedIn bool) error
	SetStatus(ctx context.Context, email string, status Status) error
}

// =============================================================================
// HISTORY STORE - Append-only
// =============================================================================

type HistoryStore interface {
	// Append persists a record. This is the ONLY write operation.
	Append(ctx context.Context, record Record) error

	// QueryByActor returns at most limit records for actor, newest first.
	QueryByActor(ctx context.Context, actor string, limit int) ([]Record, error)
}

// =============================================================================
// REQUEST STORE
// =============================================================================

type RequestStore interface {
	InsertRequest(ctx context.Context, request CashRequest) error

	// GetRequest returns ErrRequestNotFound when id is unknown.
	GetRequest(ctx context.Context, id string) (*CashRequest, error)

	UpdateRequestStatus(ctx context.Context, id string, status RequestStatus, reason string, at time.Time) error

	// ListRequestsForAgent returns requests whose agent equals any of ids, newest first.
	ListRequestsForAgent(ctx context.Context, ids ...string) ([]CashRequest, error)

	// ListPendingBefore returns pending requests created before cutoff.
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]CashRequest, error)
}

// =============================================================================
// STORE - Transactional composite
// =============================================================================

// Tx is the transactional view handed to Atomically callbacks.
type Tx interface {
	AccountStore
	HistoryStore
	RequestStore
}

// Store is what the engine is constructed with.
type Store interface {
	Tx

	// Atomically executes fn within a transaction.
	// If fn returns error, every write made through tx is rolled back.
	// If fn returns nil, the writes are committed together.
	Atomically(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
