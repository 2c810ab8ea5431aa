package ledger_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/ledger"
)

// =============================================================================
// AMOUNT LIMITS
// =============================================================================

func TestSend_AmountAboveLimitIsRejected(t *testing.T) {
	// GIVEN: Alice has 10
	// WHEN: She sends an amount whose amount+fee would wrap around int64
	// THEN: InvalidRequest before anything is written

	f := newFixture(t)
	alice := f.account(t, "alice@example.com", "", ledger.RoleNormal, 10)
	f.account(t, "bob@example.com", "", ledger.RoleNormal, 0)

	for _, amount := range []int64{math.MaxInt64 - 4, ledger.DefaultMaxAmount + 1} {
		_, err := f.engine.Send(ctx, alice, ledger.SendRequest{
			From: alice.Email, To: "bob@example.com", Amount: amount, PIN: testPIN,
		})
		assert.ErrorIs(t, err, ledger.ErrInvalidRequest, "amount %d", amount)
	}

	assert.Equal(t, int64(10), f.balance(t, alice.Email))
	assert.Equal(t, int64(0), f.balance(t, "bob@example.com"))
	assert.Empty(t, f.history(t, alice.Email))
}

func TestAmountLimit_AppliesToEveryOperation(t *testing.T) {
	f := newFixture(t)
	admin, err := f.engine.EnsureAdmin(ctx, "admin@example.com", "0000")
	require.NoError(t, err)
	owner := f.account(t, "owner@example.com", "", ledger.RoleNormal, 1000)
	f.account(t, "agent@example.com", "", ledger.RoleAgent, 1000)
	tooMuch := ledger.DefaultMaxAmount + 1

	_, err = f.engine.Credit(ctx, ledger.Identity{Email: admin.Email}, owner.Email, math.MaxInt64)
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)

	_, err = f.engine.CashOut(ctx, owner, ledger.CashOutRequest{
		Owner: owner.Email, Agent: "agent@example.com", Amount: tooMuch, PIN: testPIN,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)

	_, err = f.engine.CashIn(ctx, owner, ledger.CashInRequest{
		Owner: owner.Email, Agent: "agent@example.com", Amount: tooMuch, PIN: testPIN,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)

	assert.Equal(t, int64(1000), f.balance(t, owner.Email))
	assert.Equal(t, int64(1000), f.balance(t, "agent@example.com"))
}

// =============================================================================
// BALANCE OVERFLOW
// =============================================================================

func TestCredit_BalanceOverflowIsRejected(t *testing.T) {
	// GIVEN: Bob's balance is a few units below the int64 ceiling
	// WHEN: The admin credits him past it
	// THEN: InvalidRequest; his balance stays put and no record is written

	f := newFixture(t)
	admin, err := f.engine.EnsureAdmin(ctx, "admin@example.com", "0000")
	require.NoError(t, err)
	f.account(t, "bob@example.com", "", ledger.RoleNormal, math.MaxInt64-5)

	_, err = f.engine.Credit(ctx, ledger.Identity{Email: admin.Email}, "bob@example.com", 10)

	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
	assert.Equal(t, int64(math.MaxInt64-5), f.balance(t, "bob@example.com"))
	assert.Empty(t, f.history(t, "bob@example.com"))
}

func TestSend_ReceiverOverflowIsRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.account(t, "alice@example.com", "", ledger.RoleNormal, 1000)
	f.account(t, "bob@example.com", "", ledger.RoleNormal, math.MaxInt64-10)

	_, err := f.engine.Send(ctx, alice, ledger.SendRequest{
		From: alice.Email, To: "bob@example.com", Amount: 100, PIN: testPIN,
	})

	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
	assert.Equal(t, int64(1000), f.balance(t, alice.Email))
	assert.Equal(t, int64(math.MaxInt64-10), f.balance(t, "bob@example.com"))
	assert.Empty(t, f.history(t, alice.Email))
}

func TestCashOut_AgentOverflowIsRejected(t *testing.T) {
	f := newFixture(t)
	owner := f.account(t, "owner@example.com", "", ledger.RoleNormal, 1000)
	f.account(t, "agent@example.com", "", ledger.RoleAgent, math.MaxInt64-5)

	_, err := f.engine.CashOut(ctx, owner, ledger.CashOutRequest{
		Owner: owner.Email, Agent: "agent@example.com", Amount: 100, PIN: testPIN,
	})

	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
	assert.Equal(t, int64(1000), f.balance(t, owner.Email))
	assert.Equal(t, int64(math.MaxInt64-5), f.balance(t, "agent@example.com"))
}

func TestApproveCashIn_OwnerOverflowStaysPending(t *testing.T) {
	f := newFixture(t)
	owner := f.account(t, "owner@example.com", "", ledger.RoleNormal, math.MaxInt64-5)
	agent := f.account(t, "agent@example.com", "", ledger.RoleAgent, 1000)
	request := f.request(t, owner, agent.Email, 100, ledger.DirectionIn)

	_, err := f.engine.ApproveCashIn(ctx, agent, request.ID)

	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
	assert.Equal(t, int64(1000), f.balance(t, agent.Email))
	stored, err := f.store.GetRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestPending, stored.Status)
}
