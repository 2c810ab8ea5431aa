/*
Package kv provides an embedded ledger.Store on top of badger.

KEY LAYOUT:
  0x01 | email                               -> Account
  0x02 | phone                               -> email (secondary index)
  0x03 | actor | 0x00 | created_at | seq     -> Record
  0x04 | request id                          -> CashRequest

  Values are CBOR, compressed with zstd (see codec.go). History keys
  embed the big-endian creation time and a process-local sequence, so a
  reverse prefix scan yields an actor's records newest first.

CONCURRENCY:
  Atomically runs inside one badger read-write transaction. Badger
  transactions are optimistic: when two transactions touch the same key
  the later commit fails with badger.ErrConflict, which is reported as
  ledger.ErrTransient and retried by the engine.
*/
package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/warp/mfc-ledger/ledger"
)

const (
	prefixAccount byte = 1
	prefixPhone   byte = 2
	prefixHistory byte = 3
	prefixRequest byte = 4
)

type Store struct {
	db    *badger.DB
	codec *Codec
	seq   atomic.Uint64
}

var _ ledger.Store = (*Store)(nil)

// DefaultOptions returns the badger options used for a ledger at dir.
// An empty dir opens an in-memory database.
func DefaultOptions(dir string) badger.Options {
	opts := badger.DefaultOptions(dir).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	return opts
}

// Open opens the database described by opts.
func Open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open badger database: %w", err)
	}
	codec, err := NewCodec()
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, codec: codec}
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

func (s *Store) Close() error {
	var errs error
	if err := s.codec.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close badger database: %w", err))
	}
	return errs
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) Atomically(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&txView{store: s, txn: txn})
	})
	return translate(err)
}

func (s *Store) view(fn func(tv *txView) error) error {
	return translate(s.db.View(func(txn *badger.Txn) error {
		return fn(&txView{store: s, txn: txn})
	}))
}

func (s *Store) update(fn func(tv *txView) error) error {
	return translate(s.db.Update(func(txn *badger.Txn) error {
		return fn(&txView{store: s, txn: txn})
	}))
}

func translate(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return ledger.Transient(err)
	}
	return err
}

// =============================================================================
// STORE - Single-operation transactions
// =============================================================================

func (s *Store) GetByIdentifier(ctx context.Context, id string) (accounts []ledger.Account, err error) {
	err = s.view(func(tv *txView) error {
		accounts, err = tv.GetByIdentifier(ctx, id)
		return err
	})
	return accounts, err
}

func (s *Store) GetByEmail(ctx context.Context, email string) (account *ledger.Account, err error) {
	err = s.view(func(tv *txView) error {
		account, err = tv.GetByEmail(ctx, email)
		return err
	})
	return account, err
}

func (s *Store) Insert(ctx context.Context, account ledger.Account) error {
	return s.update(func(tv *txView) error { return tv.Insert(ctx, account) })
}

func (s *Store) UpdateBalance(ctx context.Context, email string, balance int64) error {
	return s.update(func(tv *txView) error { return tv.UpdateBalance(ctx, email, balance) })
}

func (s *Store) SetLoggedIn(ctx context.Context, email string, loggedIn bool) error {
	return s.update(func(tv *txView) error { return tv.SetLoggedIn(ctx, email, loggedIn) })
}

func (s *Store) SetStatus(ctx context.Context, email string, status ledger.Status) error {
	return s.update(func(tv *txView) error { return tv.SetStatus(ctx, email, status) })
}

func (s *Store) Append(ctx context.Context, record ledger.Record) error {
	return s.update(func(tv *txView) error { return tv.Append(ctx, record) })
}

func (s *Store) QueryByActor(ctx context.Context, actor string, limit int) (records []ledger.Record, err error) {
	err = s.view(func(tv *txView) error {
		records, err = tv.QueryByActor(ctx, actor, limit)
		return err
	})
	return records, err
}

func (s *Store) InsertRequest(ctx context.Context, request ledger.CashRequest) error {
	return s.update(func(tv *txView) error { return tv.InsertRequest(ctx, request) })
}

func (s *Store) GetRequest(ctx context.Context, id string) (request *ledger.CashRequest, err error) {
	err = s.view(func(tv *txView) error {
		request, err = tv.GetRequest(ctx, id)
		return err
	})
	return request, err
}

func (s *Store) UpdateRequestStatus(ctx context.Context, id string, status ledger.RequestStatus, reason string, at time.Time) error {
	return s.update(func(tv *txView) error { return tv.UpdateRequestStatus(ctx, id, status, reason, at) })
}

func (s *Store) ListRequestsForAgent(ctx context.Context, ids ...string) (requests []ledger.CashRequest, err error) {
	err = s.view(func(tv *txView) error {
		requests, err = tv.ListRequestsForAgent(ctx, ids...)
		return err
	})
	return requests, err
}

func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time) (requests []ledger.CashRequest, err error) {
	err = s.view(func(tv *txView) error {
		requests, err = tv.ListPendingBefore(ctx, cutoff)
		return err
	})
	return requests, err
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type txView struct {
	store *Store
	txn   *badger.Txn
}

func (tv *txView) retrieve(key []byte, v interface{}) error {
	item, err := tv.txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return tv.store.codec.Unmarshal(val, v)
	})
}

func (tv *txView) save(key []byte, v interface{}) error {
	val, err := tv.store.codec.Marshal(v)
	if err != nil {
		return err
	}
	return tv.txn.Set(key, val)
}

func (tv *txView) GetByIdentifier(_ context.Context, id string) ([]ledger.Account, error) {
	if id == "" {
		return nil, nil
	}
	var accounts []ledger.Account

	var byEmail ledger.Account
	err := tv.retrieve(accountKey(id), &byEmail)
	switch {
	case err == nil:
		accounts = append(accounts, byEmail)
	case !errors.Is(err, badger.ErrKeyNotFound):
		return nil, err
	}

	item, err := tv.txn.Get(phoneKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return accounts, nil
	}
	if err != nil {
		return nil, err
	}
	email, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if string(email) == id {
		return accounts, nil
	}
	var byPhone ledger.Account
	if err := tv.retrieve(accountKey(string(email)), &byPhone); err != nil {
		return nil, fmt.Errorf("%w: phone index points at missing account %q", ledger.ErrIntegrityFault, email)
	}
	return append(accounts, byPhone), nil
}

func (tv *txView) GetByEmail(_ context.Context, email string) (*ledger.Account, error) {
	var account ledger.Account
	err := tv.retrieve(accountKey(email), &account)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (tv *txView) Insert(_ context.Context, account ledger.Account) error {
	keys := [][]byte{accountKey(account.Email)}
	if account.Phone != "" {
		keys = append(keys, phoneKey(account.Phone))
	}
	for _, key := range keys {
		_, err := tv.txn.Get(key)
		if err == nil {
			return ledger.ErrDuplicateAccount
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
	}

	if err := tv.save(accountKey(account.Email), account); err != nil {
		return err
	}
	if account.Phone != "" {
		return tv.txn.Set(phoneKey(account.Phone), []byte(account.Email))
	}
	return nil
}

func (tv *txView) UpdateBalance(ctx context.Context, email string, balance int64) error {
	return tv.updateAccount(ctx, email, func(a *ledger.Account) { a.Balance = balance })
}

func (tv *txView) SetLoggedIn(ctx context.Context, email string, loggedIn bool) error {
	return tv.updateAccount(ctx, email, func(a *ledger.Account) { a.LoggedIn = loggedIn })
}

func (tv *txView) SetStatus(ctx context.Context, email string, status ledger.Status) error {
	return tv.updateAccount(ctx, email, func(a *ledger.Account) { a.Status = status })
}

func (tv *txView) updateAccount(ctx context.Context, email string, mutate func(*ledger.Account)) error {
	account, err := tv.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	mutate(account)
	account.UpdatedAt = time.Now().UTC()
	return tv.save(accountKey(email), account)
}

// Append writes a record under a fresh key. Existing keys are never rewritten.
func (tv *txView) Append(_ context.Context, record ledger.Record) error {
	seq := tv.store.seq.Add(1)
	return tv.save(historyKey(record.Actor, record.CreatedAt, seq), record)
}

func (tv *txView) QueryByActor(_ context.Context, actor string, limit int) ([]ledger.Record, error) {
	prefix := historyPrefix(actor)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix

	it := tv.txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration starts at the greatest key under the prefix.
	seek := append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xff}, 16)...)

	records := []ledger.Record{}
	for it.Seek(seek); it.ValidForPrefix(prefix) && len(records) < limit; it.Next() {
		var record ledger.Record
		err := it.Item().Value(func(val []byte) error {
			return tv.store.codec.Unmarshal(val, &record)
		})
		if err != nil {
			return nil, fmt.Errorf("could not decode record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (tv *txView) InsertRequest(_ context.Context, request ledger.CashRequest) error {
	return tv.save(requestKey(request.ID), request)
}

func (tv *txView) GetRequest(_ context.Context, id string) (*ledger.CashRequest, error) {
	var request ledger.CashRequest
	err := tv.retrieve(requestKey(id), &request)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ledger.ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return &request, nil
}

func (tv *txView) UpdateRequestStatus(ctx context.Context, id string, status ledger.RequestStatus, reason string, at time.Time) error {
	request, err := tv.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	request.Status = status
	request.RejectionReason = reason
	request.UpdatedAt = at
	return tv.save(requestKey(id), request)
}

func (tv *txView) ListRequestsForAgent(_ context.Context, ids ...string) ([]ledger.CashRequest, error) {
	return tv.scanRequests(func(r ledger.CashRequest) bool {
		for _, id := range ids {
			if r.Agent == id {
				return true
			}
		}
		return false
	})
}

func (tv *txView) ListPendingBefore(_ context.Context, cutoff time.Time) ([]ledger.CashRequest, error) {
	return tv.scanRequests(func(r ledger.CashRequest) bool {
		return r.Status == ledger.RequestPending && r.CreatedAt.Before(cutoff)
	})
}

// scanRequests walks every request and returns the matching ones, newest first.
func (tv *txView) scanRequests(keep func(ledger.CashRequest) bool) ([]ledger.CashRequest, error) {
	prefix := []byte{prefixRequest}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := tv.txn.NewIterator(opts)
	defer it.Close()

	var requests []ledger.CashRequest
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var request ledger.CashRequest
		err := it.Item().Value(func(val []byte) error {
			return tv.store.codec.Unmarshal(val, &request)
		})
		if err != nil {
			return nil, fmt.Errorf("could not decode request: %w", err)
		}
		if keep(request) {
			requests = append(requests, request)
		}
	}

	sort.Slice(requests, func(i, j int) bool {
		if requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].ID > requests[j].ID
		}
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	return requests, nil
}

// =============================================================================
// KEYS
// =============================================================================

func accountKey(email string) []byte {
	return append([]byte{prefixAccount}, email...)
}

func phoneKey(phone string) []byte {
	return append([]byte{prefixPhone}, phone...)
}

func requestKey(id string) []byte {
	return append([]byte{prefixRequest}, id...)
}

func historyPrefix(actor string) []byte {
	key := make([]byte, 0, 1+len(actor)+1)
	key = append(key, prefixHistory)
	key = append(key, actor...)
	return append(key, 0)
}

func historyKey(actor string, at time.Time, seq uint64) []byte {
	key := historyPrefix(actor)
	key = binary.BigEndian.AppendUint64(key, uint64(at.UnixNano()))
	return binary.BigEndian.AppendUint64(key, seq)
}
