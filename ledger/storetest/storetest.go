// Package storetest holds the behaviour every ledger.Store backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/ledger"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) ledger.Store

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// Run executes the shared store tests against stores made by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("DuplicateAccounts", func(t *testing.T) { testDuplicates(t, newStore(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("Requests", func(t *testing.T) { testRequests(t, newStore(t)) })
	t.Run("AtomicallyCommits", func(t *testing.T) { testCommit(t, newStore(t)) })
	t.Run("AtomicallyRollsBack", func(t *testing.T) { testRollback(t, newStore(t)) })
}

func account(email, phone string, role ledger.Role) ledger.Account {
	return ledger.Account{
		Email:     email,
		Phone:     phone,
		Name:      email,
		PINHash:   "hash-" + email,
		Role:      role,
		Status:    ledger.StatusPending,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func seed(t *testing.T, st ledger.Store, accounts ...ledger.Account) {
	t.Helper()
	for _, a := range accounts {
		require.NoError(t, st.Insert(context.Background(), a))
	}
}

func testAccounts(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	seed(t, st, account("alice@example.com", "0700000001", ledger.RoleNormal))

	byEmail, err := st.GetByIdentifier(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Len(t, byEmail, 1)
	assert.Equal(t, "0700000001", byEmail[0].Phone)
	assert.Equal(t, ledger.RoleNormal, byEmail[0].Role)
	assert.Equal(t, "hash-alice@example.com", byEmail[0].PINHash)

	byPhone, err := st.GetByIdentifier(ctx, "0700000001")
	require.NoError(t, err)
	require.Len(t, byPhone, 1)
	assert.Equal(t, "alice@example.com", byPhone[0].Email)

	none, err := st.GetByIdentifier(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = st.GetByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	require.NoError(t, st.UpdateBalance(ctx, "alice@example.com", 1234))
	require.NoError(t, st.SetLoggedIn(ctx, "alice@example.com", true))
	require.NoError(t, st.SetStatus(ctx, "alice@example.com", ledger.StatusActive))

	got, err := st.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), got.Balance)
	assert.True(t, got.LoggedIn)
	assert.Equal(t, ledger.StatusActive, got.Status)

	assert.ErrorIs(t, st.UpdateBalance(ctx, "nobody@example.com", 1), ledger.ErrAccountNotFound)
	assert.ErrorIs(t, st.SetLoggedIn(ctx, "nobody@example.com", true), ledger.ErrAccountNotFound)
	assert.ErrorIs(t, st.SetStatus(ctx, "nobody@example.com", ledger.StatusActive), ledger.ErrAccountNotFound)
}

func testDuplicates(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	seed(t, st, account("alice@example.com", "0700000001", ledger.RoleNormal))

	err := st.Insert(ctx, account("alice@example.com", "0700000009", ledger.RoleNormal))
	assert.ErrorIs(t, err, ledger.ErrDuplicateAccount)

	err = st.Insert(ctx, account("mallory@example.com", "0700000001", ledger.RoleNormal))
	assert.ErrorIs(t, err, ledger.ErrDuplicateAccount)

	// Accounts without a phone do not collide with each other
	seed(t, st,
		account("bob@example.com", "", ledger.RoleNormal),
		account("carol@example.com", "", ledger.RoleNormal),
	)

	_, err = st.GetByEmail(ctx, "mallory@example.com")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func record(actor string, n int) ledger.Record {
	return ledger.Record{
		ID:           fmt.Sprintf("%s-rec-%d", actor, n),
		OperationID:  fmt.Sprintf("op-%d", n),
		Kind:         ledger.KindSend,
		Direction:    ledger.Debit,
		Actor:        actor,
		Counterparty: "bob@example.com",
		Initiator:    actor,
		Amount:       int64(n * 10),
		Fee:          5,
		Balance:      int64(1000 - n*10),
		CreatedAt:    base.Add(time.Duration(n) * time.Minute),
	}
}

func testHistory(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	seed(t, st,
		account("alice@example.com", "", ledger.RoleNormal),
		account("bob@example.com", "", ledger.RoleNormal),
	)

	// Appended out of order on purpose
	for _, n := range []int{2, 1, 3} {
		require.NoError(t, st.Append(ctx, record("alice@example.com", n)))
	}
	require.NoError(t, st.Append(ctx, record("bob@example.com", 9)))

	records, err := st.QueryByActor(ctx, "alice@example.com", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alice@example.com-rec-3", records[0].ID)
	assert.Equal(t, "alice@example.com-rec-2", records[1].ID)

	want := record("alice@example.com", 3)
	got := records[0]
	assert.Equal(t, want.OperationID, got.OperationID)
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.Direction, got.Direction)
	assert.Equal(t, want.Counterparty, got.Counterparty)
	assert.Equal(t, want.Amount, got.Amount)
	assert.Equal(t, want.Fee, got.Fee)
	assert.Equal(t, want.Balance, got.Balance)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created at %s, want %s", got.CreatedAt, want.CreatedAt)

	all, err := st.QueryByActor(ctx, "alice@example.com", 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := st.QueryByActor(ctx, "carol@example.com", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func request(id, owner, agent string, minutes int) ledger.CashRequest {
	at := base.Add(time.Duration(minutes) * time.Minute)
	return ledger.CashRequest{
		ID:        id,
		Owner:     owner,
		Agent:     agent,
		Amount:    100,
		Direction: ledger.DirectionIn,
		Status:    ledger.RequestPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func testRequests(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	seed(t, st,
		account("owner@example.com", "", ledger.RoleNormal),
		account("agent@example.com", "0711000000", ledger.RoleAgent),
		account("other@example.com", "", ledger.RoleAgent),
	)

	require.NoError(t, st.InsertRequest(ctx, request("r1", "owner@example.com", "agent@example.com", 1)))
	require.NoError(t, st.InsertRequest(ctx, request("r2", "owner@example.com", "agent@example.com", 2)))
	require.NoError(t, st.InsertRequest(ctx, request("r3", "owner@example.com", "other@example.com", 3)))

	got, err := st.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestPending, got.Status)
	assert.Equal(t, int64(100), got.Amount)
	assert.Equal(t, ledger.DirectionIn, got.Direction)

	_, err = st.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrRequestNotFound)

	listed, err := st.ListRequestsForAgent(ctx, "agent@example.com", "0711000000")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "r2", listed[0].ID, "newest first")
	assert.Equal(t, "r1", listed[1].ID)

	settledAt := base.Add(time.Hour)
	require.NoError(t, st.UpdateRequestStatus(ctx, "r1", ledger.RequestRejected, "no cash", settledAt))
	assert.ErrorIs(t, st.UpdateRequestStatus(ctx, "missing", ledger.RequestRejected, "", settledAt), ledger.ErrRequestNotFound)

	got, err = st.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestRejected, got.Status)
	assert.Equal(t, "no cash", got.RejectionReason)
	assert.True(t, settledAt.Equal(got.UpdatedAt))

	pending, err := st.ListPendingBefore(ctx, base.Add(150*time.Second))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r2", pending[0].ID)
}

func testCommit(t *testing.T, st ledger.Store) {
	ctx := context.Background()
	seed(t, st,
		account("alice@example.com", "", ledger.RoleNormal),
		account("bob@example.com", "", ledger.RoleNormal),
	)
	require.NoError(t, st.UpdateBalance(ctx, "alice@example.com", 500))

	err := st.Atomically(ctx, func(tx ledger.Tx) error {
		alice, err := tx.GetByEmail(ctx, "alice@example.com")
		if err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, "alice@example.com", alice.Balance-200); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, "bob@example.com", 200); err != nil {
			return err
		}
		return tx.Append(ctx, record("alice@example.com", 1))
	})
	require.NoError(t, err)

	alice, err := st.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	bob, err := st.GetByEmail(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(300), alice.Balance)
	assert.Equal(t, int64(200), bob.Balance)

	records, err := st.QueryByActor(ctx, "alice@example.com", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func testRollback(t *testing.T, st ledger.Store) {
	// GIVEN: Alice holds 500
	// WHEN: A transaction debits her, appends a record, then fails
	// THEN: Neither the debit nor the record is visible afterwards

	ctx := context.Background()
	seed(t, st, account("alice@example.com", "", ledger.RoleNormal))
	require.NoError(t, st.UpdateBalance(ctx, "alice@example.com", 500))

	boom := errors.New("credit leg failed")
	err := st.Atomically(ctx, func(tx ledger.Tx) error {
		if err := tx.UpdateBalance(ctx, "alice@example.com", 0); err != nil {
			return err
		}
		if err := tx.Append(ctx, record("alice@example.com", 1)); err != nil {
			return err
		}
		if err := tx.InsertRequest(ctx, request("r1", "alice@example.com", "alice@example.com", 1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	alice, err := st.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(500), alice.Balance)

	records, err := st.QueryByActor(ctx, "alice@example.com", 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = st.GetRequest(ctx, "r1")
	assert.ErrorIs(t, err, ledger.ErrRequestNotFound)
}
