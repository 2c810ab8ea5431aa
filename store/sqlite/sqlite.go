/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  The default durable backend. Accounts, history records and cash
  requests live in one database file, so a send's two balance updates
  and two history records commit in a single SQLite transaction.

APPEND-ONLY ENFORCEMENT:
  The history table is only ever written with INSERT:
  - No UPDATE statements on history
  - No DELETE statements on history
  - Corrections are new records

KEY TABLES:
  accounts: One row per identity, email primary key, phone unique
  history:  Immutable records, one per affected account per operation
  requests: Cash requests and their status

INDEXES:
  - idx_history_actor_created: History queries (hot path)
  - idx_requests_agent: Agent request listing
  - idx_requests_status_created: Expiry sweep

CONCURRENCY:
  The database is opened with _txlock=immediate, so every transaction
  takes the write lock at BEGIN. Two transactions can never read the same
  balance and both write it. When the lock is held past the busy timeout
  the driver returns SQLITE_BUSY, which is reported as ledger.ErrTransient
  and retried by the engine.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, hasher, issuer)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/mfc-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		email TEXT PRIMARY KEY,
		phone TEXT UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		pin_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		status TEXT NOT NULL DEFAULT 'pending',
		logged_in INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- History (append-only)
	CREATE TABLE IF NOT EXISTS history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		operation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		direction TEXT NOT NULL,
		actor TEXT NOT NULL REFERENCES accounts(email),
		counterparty TEXT NOT NULL DEFAULT '',
		initiator TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		fee INTEGER NOT NULL DEFAULT 0,
		vat INTEGER NOT NULL DEFAULT 0,
		balance INTEGER NOT NULL,
		request_status TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_actor_created
		ON history(actor, created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_history_operation
		ON history(operation_id);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		agent TEXT NOT NULL,
		amount INTEGER NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_agent
		ON requests(agent);
	CREATE INDEX IF NOT EXISTS idx_requests_status_created
		ON requests(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Atomically executes fn within a database transaction.
func (s *Store) Atomically(ctx context.Context, fn func(tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return translate(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by the store and its transactional view
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const accountColumns = `email, phone, name, pin_hash, role, balance, status, logged_in, created_at, updated_at`

func (q *queries) GetByIdentifier(ctx context.Context, id string) ([]ledger.Account, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ? OR phone = ?`, id, id)
	if err != nil {
		return nil, translate(fmt.Errorf("failed to query accounts: %w", err))
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, translate(rows.Err())
}

func (q *queries) GetByEmail(ctx context.Context, email string) (*ledger.Account, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *queries) Insert(ctx context.Context, a ledger.Account) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Email, nullString(a.Phone), a.Name, a.PINHash, a.Role, a.Balance, a.Status,
		a.LoggedIn, a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateAccount
	}
	if err != nil {
		return translate(fmt.Errorf("failed to insert account: %w", err))
	}
	return nil
}

func (q *queries) UpdateBalance(ctx context.Context, email string, balance int64) error {
	return q.updateAccount(ctx, `UPDATE accounts SET balance = ?, updated_at = ? WHERE email = ?`, balance, email)
}

func (q *queries) SetLoggedIn(ctx context.Context, email string, loggedIn bool) error {
	return q.updateAccount(ctx, `UPDATE accounts SET logged_in = ?, updated_at = ? WHERE email = ?`, loggedIn, email)
}

func (q *queries) SetStatus(ctx context.Context, email string, status ledger.Status) error {
	return q.updateAccount(ctx, `UPDATE accounts SET status = ?, updated_at = ? WHERE email = ?`, status, email)
}

func (q *queries) updateAccount(ctx context.Context, query string, value any, email string) error {
	res, err := q.q.ExecContext(ctx, query, value, time.Now().UTC().UnixNano(), email)
	if err != nil {
		return translate(fmt.Errorf("failed to update account: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// Append adds a record to the history. Append-only.
func (q *queries) Append(ctx context.Context, r ledger.Record) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO history
		(id, operation_id, kind, direction, actor, counterparty, initiator,
		 amount, fee, vat, balance, request_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OperationID, r.Kind, r.Direction, r.Actor, r.Counterparty, r.Initiator,
		r.Amount, r.Fee, r.VAT, r.Balance, r.RequestStatus, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return translate(fmt.Errorf("failed to append record: %w", err))
	}
	return nil
}

func (q *queries) QueryByActor(ctx context.Context, actor string, limit int) ([]ledger.Record, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, operation_id, kind, direction, actor, counterparty, initiator,
		       amount, fee, vat, balance, request_status, created_at
		FROM history
		WHERE actor = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`, actor, limit)
	if err != nil {
		return nil, translate(fmt.Errorf("failed to query history: %w", err))
	}
	defer rows.Close()

	records := []ledger.Record{}
	for rows.Next() {
		var (
			r         ledger.Record
			createdAt int64
		)
		err := rows.Scan(&r.ID, &r.OperationID, &r.Kind, &r.Direction, &r.Actor,
			&r.Counterparty, &r.Initiator, &r.Amount, &r.Fee, &r.VAT, &r.Balance,
			&r.RequestStatus, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, r)
	}
	return records, translate(rows.Err())
}

// =============================================================================
// REQUEST STORE
// =============================================================================

const requestColumns = `id, owner, agent, amount, direction, status, rejection_reason, created_at, updated_at`

func (q *queries) InsertRequest(ctx context.Context, r ledger.CashRequest) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Owner, r.Agent, r.Amount, r.Direction, r.Status, r.RejectionReason,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return translate(fmt.Errorf("failed to insert request: %w", err))
	}
	return nil
}

func (q *queries) GetRequest(ctx context.Context, id string) (*ledger.CashRequest, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *queries) UpdateRequestStatus(ctx context.Context, id string, status ledger.RequestStatus, reason string, at time.Time) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE requests SET status = ?, rejection_reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, at.UnixNano(), id)
	if err != nil {
		return translate(fmt.Errorf("failed to update request: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrRequestNotFound
	}
	return nil
}

func (q *queries) ListRequestsForAgent(ctx context.Context, ids ...string) ([]ledger.CashRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := "?"
	args := []any{ids[0]}
	for _, id := range ids[1:] {
		placeholders += ", ?"
		args = append(args, id)
	}
	return q.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE agent IN (`+placeholders+`)
		ORDER BY created_at DESC, id DESC`, args...)
}

func (q *queries) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]ledger.CashRequest, error) {
	return q.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE status = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC`, ledger.RequestPending, cutoff.UnixNano())
}

func (q *queries) queryRequests(ctx context.Context, query string, args ...any) ([]ledger.CashRequest, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(fmt.Errorf("failed to query requests: %w", err))
	}
	defer rows.Close()

	var requests []ledger.CashRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, translate(rows.Err())
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a                    ledger.Account
		phone                sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&a.Email, &phone, &a.Name, &a.PINHash, &a.Role, &a.Balance,
		&a.Status, &a.LoggedIn, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, err
	}
	if err != nil {
		return a, translate(fmt.Errorf("failed to scan account: %w", err))
	}
	a.Phone = phone.String
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return a, nil
}

func scanRequest(row scanner) (ledger.CashRequest, error) {
	var (
		r                    ledger.CashRequest
		createdAt, updatedAt int64
	)
	err := row.Scan(&r.ID, &r.Owner, &r.Agent, &r.Amount, &r.Direction, &r.Status,
		&r.RejectionReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, translate(fmt.Errorf("failed to scan request: %w", err))
	}
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// translate marks lock contention and deadline errors as transient.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return ledger.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ledger.Transient(err)
	}
	return err
}
