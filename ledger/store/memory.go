// Package store provides the in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/mfc-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	accounts map[string]ledger.Account // by email
	phones   map[string]string         // phone -> email
	history  map[string][]ledger.Record
	requests map[string]ledger.CashRequest
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]ledger.Account),
		phones:   make(map[string]string),
		history:  make(map[string][]ledger.Record),
		requests: make(map[string]ledger.CashRequest),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) GetByIdentifier(_ context.Context, id string) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byIdentifierLocked(id), nil
}

func (m *Memory) byIdentifierLocked(id string) []ledger.Account {
	if id == "" {
		return nil
	}
	var result []ledger.Account
	if a, ok := m.accounts[id]; ok {
		result = append(result, a)
	}
	if email, ok := m.phones[id]; ok && email != id {
		result = append(result, m.accounts[email])
	}
	return result
}

func (m *Memory) GetByEmail(_ context.Context, email string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(email)
}

func (m *Memory) getLocked(email string) (*ledger.Account, error) {
	a, ok := m.accounts[email]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &a, nil
}

func (m *Memory) Insert(_ context.Context, account ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(account)
}

func (m *Memory) insertLocked(account ledger.Account) error {
	if _, ok := m.accounts[account.Email]; ok {
		return ledger.ErrDuplicateAccount
	}
	if account.Phone != "" {
		if _, ok := m.phones[account.Phone]; ok {
			return ledger.ErrDuplicateAccount
		}
		m.phones[account.Phone] = account.Email
	}
	m.accounts[account.Email] = account
	return nil
}

func (m *Memory) UpdateBalance(_ context.Context, email string, balance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(email, func(a *ledger.Account) { a.Balance = balance })
}

func (m *Memory) SetLoggedIn(_ context.Context, email string, loggedIn bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(email, func(a *ledger.Account) { a.LoggedIn = loggedIn })
}

func (m *Memory) SetStatus(_ context.Context, email string, status ledger.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(email, func(a *ledger.Account) { a.Status = status })
}

func (m *Memory) updateLocked(email string, mutate func(*ledger.Account)) error {
	a, ok := m.accounts[email]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	mutate(&a)
	a.UpdatedAt = time.Now().UTC()
	m.accounts[email] = a
	return nil
}

// =============================================================================
// HISTORY - Append-only
// =============================================================================

func (m *Memory) Append(_ context.Context, record ledger.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(record)
	return nil
}

func (m *Memory) appendLocked(record ledger.Record) {
	records := m.history[record.Actor]

	// Keep each actor's slice ordered by CreatedAt; equal times keep append order.
	i := sort.Search(len(records), func(i int) bool {
		return records[i].CreatedAt.After(record.CreatedAt)
	})
	records = append(records, ledger.Record{})
	copy(records[i+1:], records[i:])
	records[i] = record
	m.history[record.Actor] = records
}

func (m *Memory) QueryByActor(_ context.Context, actor string, limit int) ([]ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(actor, limit), nil
}

func (m *Memory) queryLocked(actor string, limit int) []ledger.Record {
	records := m.history[actor]
	result := make([]ledger.Record, 0, min(limit, len(records)))
	for i := len(records) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, records[i])
	}
	return result
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Memory) InsertRequest(_ context.Context, request ledger.CashRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[request.ID] = request
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id string) (*ledger.CashRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRequestLocked(id)
}

func (m *Memory) getRequestLocked(id string) (*ledger.CashRequest, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, ledger.ErrRequestNotFound
	}
	return &r, nil
}

func (m *Memory) UpdateRequestStatus(_ context.Context, id string, status ledger.RequestStatus, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRequestLocked(id, status, reason, at)
}

func (m *Memory) updateRequestLocked(id string, status ledger.RequestStatus, reason string, at time.Time) error {
	r, ok := m.requests[id]
	if !ok {
		return ledger.ErrRequestNotFound
	}
	r.Status = status
	r.RejectionReason = reason
	r.UpdatedAt = at
	m.requests[id] = r
	return nil
}

func (m *Memory) ListRequestsForAgent(_ context.Context, ids ...string) ([]ledger.CashRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterRequestsLocked(func(r ledger.CashRequest) bool {
		for _, id := range ids {
			if r.Agent == id {
				return true
			}
		}
		return false
	}), nil
}

func (m *Memory) ListPendingBefore(_ context.Context, cutoff time.Time) ([]ledger.CashRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterRequestsLocked(func(r ledger.CashRequest) bool {
		return r.Status == ledger.RequestPending && r.CreatedAt.Before(cutoff)
	}), nil
}

// filterRequestsLocked returns matching requests, newest first.
func (m *Memory) filterRequestsLocked(keep func(ledger.CashRequest) bool) []ledger.CashRequest {
	var result []ledger.CashRequest
	for _, r := range m.requests {
		if keep(r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Atomically executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) Atomically(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts map[string]ledger.Account
	phones   map[string]string
	history  map[string][]ledger.Record
	requests map[string]ledger.CashRequest
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts: make(map[string]ledger.Account, len(m.accounts)),
		phones:   make(map[string]string, len(m.phones)),
		history:  make(map[string][]ledger.Record, len(m.history)),
		requests: make(map[string]ledger.CashRequest, len(m.requests)),
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.phones {
		s.phones[k] = v
	}
	for k, v := range m.history {
		s.history[k] = append([]ledger.Record{}, v...)
	}
	for k, v := range m.requests {
		s.requests[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.phones = s.phones
	m.history = s.history
	m.requests = s.requests
}

// txView runs against the parent's maps while Atomically holds its lock.
type txView struct {
	parent *Memory
}

func (tv *txView) GetByIdentifier(_ context.Context, id string) ([]ledger.Account, error) {
	return tv.parent.byIdentifierLocked(id), nil
}

func (tv *txView) GetByEmail(_ context.Context, email string) (*ledger.Account, error) {
	return tv.parent.getLocked(email)
}

func (tv *txView) Insert(_ context.Context, account ledger.Account) error {
	return tv.parent.insertLocked(account)
}

func (tv *txView) UpdateBalance(_ context.Context, email string, balance int64) error {
	return tv.parent.updateLocked(email, func(a *ledger.Account) { a.Balance = balance })
}

func (tv *txView) SetLoggedIn(_ context.Context, email string, loggedIn bool) error {
	return tv.parent.updateLocked(email, func(a *ledger.Account) { a.LoggedIn = loggedIn })
}

func (tv *txView) SetStatus(_ context.Context, email string, status ledger.Status) error {
	return tv.parent.updateLocked(email, func(a *ledger.Account) { a.Status = status })
}

func (tv *txView) Append(_ context.Context, record ledger.Record) error {
	tv.parent.appendLocked(record)
	return nil
}

func (tv *txView) QueryByActor(_ context.Context, actor string, limit int) ([]ledger.Record, error) {
	return tv.parent.queryLocked(actor, limit), nil
}

func (tv *txView) InsertRequest(_ context.Context, request ledger.CashRequest) error {
	tv.parent.requests[request.ID] = request
	return nil
}

func (tv *txView) GetRequest(_ context.Context, id string) (*ledger.CashRequest, error) {
	return tv.parent.getRequestLocked(id)
}

func (tv *txView) UpdateRequestStatus(_ context.Context, id string, status ledger.RequestStatus, reason string, at time.Time) error {
	return tv.parent.updateRequestLocked(id, status, reason, at)
}

func (tv *txView) ListRequestsForAgent(ctx context.Context, ids ...string) ([]ledger.CashRequest, error) {
	return tv.parent.filterRequestsLocked(func(r ledger.CashRequest) bool {
		for _, id := range ids {
			if r.Agent == id {
				return true
			}
		}
		return false
	}), nil
}

func (tv *txView) ListPendingBefore(_ context.Context, cutoff time.Time) ([]ledger.CashRequest, error) {
	return tv.parent.filterRequestsLocked(func(r ledger.CashRequest) bool {
		return r.Status == ledger.RequestPending && r.CreatedAt.Before(cutoff)
	}), nil
}
