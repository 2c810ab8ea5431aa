/*
Package postgres provides a PostgreSQL implementation of ledger.Store on a
pgx connection pool.

CONCURRENCY:
  Atomically opens a REPEATABLE READ transaction. Inside it GetByEmail
  reads with SELECT ... FOR UPDATE, so two engine processes sharing one
  database still serialize on the same account row. Serialization
  failures (40001) and deadlocks (40P01) are returned as
  ledger.ErrTransient and retried by the engine.

SEE ALSO:
  - store/sqlite/sqlite.go: same schema in the SQLite dialect
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/mfc-ledger/ledger"
)

type Store struct {
	*queries
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New connects to connString, pings the server and migrates the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{queries: &queries{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		email TEXT PRIMARY KEY,
		phone TEXT UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		pin_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		status TEXT NOT NULL DEFAULT 'pending',
		logged_in BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		operation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		direction TEXT NOT NULL,
		actor TEXT NOT NULL REFERENCES accounts(email),
		counterparty TEXT NOT NULL DEFAULT '',
		initiator TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		fee BIGINT NOT NULL DEFAULT 0,
		vat BIGINT NOT NULL DEFAULT 0,
		balance BIGINT NOT NULL,
		request_status TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_actor_created ON history(actor, created_at DESC, seq DESC);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		agent TEXT NOT NULL,
		amount BIGINT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_agent ON requests(agent);
	CREATE INDEX IF NOT EXISTS idx_requests_status_created ON requests(status, created_at);
	`)
	return err
}

// Atomically runs fn in a REPEATABLE READ transaction.
func (s *Store) Atomically(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return translate(fmt.Errorf("tx begin failed: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{q: tx, forUpdate: true}); err != nil {
		return translate(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return translate(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier

	// forUpdate locks account rows read by GetByEmail until commit.
	forUpdate bool
}

const accountColumns = `email, COALESCE(phone, ''), name, pin_hash, role, balance, status, logged_in, created_at, updated_at`

func (q *queries) GetByIdentifier(ctx context.Context, id string) ([]ledger.Account, error) {
	rows, err := q.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1 OR phone = $1`, id)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, translate(err)
		}
		accounts = append(accounts, a)
	}
	return accounts, translate(rows.Err())
}

func (q *queries) GetByEmail(ctx context.Context, email string) (*ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	if q.forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAccount(q.q.QueryRow(ctx, query, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (q *queries) Insert(ctx context.Context, a ledger.Account) error {
	var phone *string
	if a.Phone != "" {
		phone = &a.Phone
	}
	_, err := q.q.Exec(ctx, `
		INSERT INTO accounts (email, phone, name, pin_hash, role, balance, status, logged_in, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.Email, phone, a.Name, a.PINHash, string(a.Role), a.Balance, string(a.Status), a.LoggedIn, a.CreatedAt, a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ledger.ErrDuplicateAccount
	}
	return translate(err)
}

func (q *queries) UpdateBalance(ctx context.Context, email string, balance int64) error {
	return q.updateAccount(ctx, `UPDATE accounts SET balance = $1, updated_at = $2 WHERE email = $3`, balance, email)
}

func (q *queries) SetLoggedIn(ctx context.Context, email string, loggedIn bool) error {
	return q.updateAccount(ctx, `UPDATE accounts SET logged_in = $1, updated_at = $2 WHERE email = $3`, loggedIn, email)
}

func (q *queries) SetStatus(ctx context.Context, email string, status ledger.Status) error {
	return q.updateAccount(ctx, `UPDATE accounts SET status = $1, updated_at = $2 WHERE email = $3`, string(status), email)
}

func (q *queries) updateAccount(ctx context.Context, query string, value any, email string) error {
	tag, err := q.q.Exec(ctx, query, value, time.Now().UTC(), email)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (q *queries) Append(ctx context.Context, r ledger.Record) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO history (id, operation_id, kind, direction, actor, counterparty, initiator,
			amount, fee, vat, balance, request_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.OperationID, string(r.Kind), string(r.Direction), r.Actor, r.Counterparty, r.Initiator,
		r.Amount, r.Fee, r.VAT, r.Balance, string(r.RequestStatus), r.CreatedAt)
	return translate(err)
}

func (q *queries) QueryByActor(ctx context.Context, actor string, limit int) ([]ledger.Record, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id, operation_id, kind, direction, actor, counterparty, initiator,
		       amount, fee, vat, balance, request_status, created_at
		FROM history WHERE actor = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, actor, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	records := []ledger.Record{}
	for rows.Next() {
		var (
			r                              ledger.Record
			kind, direction, requestStatus string
		)
		err := rows.Scan(&r.ID, &r.OperationID, &kind, &direction, &r.Actor, &r.Counterparty,
			&r.Initiator, &r.Amount, &r.Fee, &r.VAT, &r.Balance, &requestStatus, &r.CreatedAt)
		if err != nil {
			return nil, translate(err)
		}
		r.Kind = ledger.Kind(kind)
		r.Direction = ledger.Direction(direction)
		r.RequestStatus = ledger.RequestStatus(requestStatus)
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, r)
	}
	return records, translate(rows.Err())
}

const requestColumns = `id, owner, agent, amount, direction, status, rejection_reason, created_at, updated_at`

func (q *queries) InsertRequest(ctx context.Context, r ledger.CashRequest) error {
	_, err := q.q.Exec(ctx, `INSERT INTO requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Owner, r.Agent, r.Amount, string(r.Direction), string(r.Status), r.RejectionReason, r.CreatedAt, r.UpdatedAt)
	return translate(err)
}

func (q *queries) GetRequest(ctx context.Context, id string) (*ledger.CashRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	if q.forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanRequest(q.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrRequestNotFound
	}
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (q *queries) UpdateRequestStatus(ctx context.Context, id string, status ledger.RequestStatus, reason string, at time.Time) error {
	tag, err := q.q.Exec(ctx,
		`UPDATE requests SET status = $1, rejection_reason = $2, updated_at = $3 WHERE id = $4`,
		string(status), reason, at, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrRequestNotFound
	}
	return nil
}

func (q *queries) ListRequestsForAgent(ctx context.Context, ids ...string) ([]ledger.CashRequest, error) {
	return q.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE agent = ANY($1) ORDER BY created_at DESC, id DESC`, ids)
}

func (q *queries) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]ledger.CashRequest, error) {
	return q.queryRequests(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE status = $1 AND created_at < $2 ORDER BY created_at DESC, id DESC`,
		string(ledger.RequestPending), cutoff)
}

func (q *queries) queryRequests(ctx context.Context, query string, args ...any) ([]ledger.CashRequest, error) {
	rows, err := q.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var requests []ledger.CashRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, translate(err)
		}
		requests = append(requests, r)
	}
	return requests, translate(rows.Err())
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a            ledger.Account
		role, status string
	)
	err := row.Scan(&a.Email, &a.Phone, &a.Name, &a.PINHash, &role, &a.Balance,
		&status, &a.LoggedIn, &a.CreatedAt, &a.UpdatedAt)
	a.Role = ledger.Role(role)
	a.Status = ledger.Status(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, err
}

func scanRequest(row pgx.Row) (ledger.CashRequest, error) {
	var (
		r                 ledger.CashRequest
		direction, status string
	)
	err := row.Scan(&r.ID, &r.Owner, &r.Agent, &r.Amount, &direction, &status,
		&r.RejectionReason, &r.CreatedAt, &r.UpdatedAt)
	r.Direction = ledger.RequestDirection(direction)
	r.Status = ledger.RequestStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, err
}

// translate marks serialization failures, deadlocks and lost connections
// as transient.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return ledger.Transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return ledger.Transient(err)
	}
	return err
}
