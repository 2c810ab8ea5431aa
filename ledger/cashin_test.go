package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/ledger"
)

func newCashInFixture(t *testing.T, agentFloat int64) (*fixture, ledger.Identity, ledger.Identity) {
	t.Helper()
	f := newFixture(t)
	owner := f.account(t, "owner@example.com", "0700000001", ledger.RoleNormal, 1000)
	agent := f.account(t, "agent@example.com", "0711000000", ledger.RoleAgent, agentFloat)
	return f, owner, agent
}

func (f *fixture) request(t *testing.T, owner ledger.Identity, agent string, amount int64, dir ledger.RequestDirection) *ledger.CashRequest {
	t.Helper()
	request, err := f.engine.CashIn(ctx, owner, ledger.CashInRequest{
		Owner: owner.Email, Agent: agent, Amount: amount, Direction: dir, PIN: testPIN,
	})
	require.NoError(t, err)
	return request
}

// =============================================================================
// CASH-IN REQUEST
// =============================================================================

func TestCashIn_RecordsPendingRequest_NoMutation(t *testing.T) {
	// GIVEN: An owner and an agent
	// WHEN: The owner files a cash-in request using the agent's phone
	// THEN: A pending request exists, no balance changed, no record written

	f, owner, agent := newCashInFixture(t, 0)

	request := f.request(t, owner, "0711000000", 300, "")

	assert.Equal(t, ledger.RequestPending, request.Status)
	assert.Equal(t, ledger.DirectionIn, request.Direction)
	assert.Equal(t, agent.Email, request.Agent)
	assert.NotEmpty(t, request.ID)

	assert.Equal(t, int64(1000), f.balance(t, owner.Email))
	assert.Equal(t, int64(0), f.balance(t, agent.Email))
	assert.Empty(t, f.history(t, owner.Email))

	listed, err := f.engine.ListRequestsForAgent(ctx, agent, "0711000000")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, request.ID, listed[0].ID)
}

func TestCashIn_Rejections(t *testing.T) {
	f, owner, agent := newCashInFixture(t, 0)
	f.account(t, "friend@example.com", "", ledger.RoleNormal, 0)

	tests := []struct {
		name   string
		caller ledger.Identity
		req    ledger.CashInRequest
		kind   error
	}{
		{"non-agent target", owner, ledger.CashInRequest{Owner: owner.Email, Agent: "friend@example.com", Amount: 10, PIN: testPIN}, ledger.ErrNotFound},
		{"unknown agent", owner, ledger.CashInRequest{Owner: owner.Email, Agent: "0799999999", Amount: 10, PIN: testPIN}, ledger.ErrNotFound},
		{"wrong pin", owner, ledger.CashInRequest{Owner: owner.Email, Agent: agent.Email, Amount: 10, PIN: "0000"}, ledger.ErrInvalidPin},
		{"other owner", agent, ledger.CashInRequest{Owner: owner.Email, Agent: agent.Email, Amount: 10, PIN: testPIN}, ledger.ErrForbidden},
		{"unknown direction", owner, ledger.CashInRequest{Owner: owner.Email, Agent: agent.Email, Amount: 10, Direction: "sideways", PIN: testPIN}, ledger.ErrInvalidRequest},
		{"agent serving itself", agent, ledger.CashInRequest{Owner: agent.Email, Agent: agent.Email, Amount: 10, PIN: testPIN}, ledger.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CashIn(ctx, tt.caller, tt.req)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	listed, err := f.engine.ListRequestsForAgent(ctx, agent, agent.Email)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestListRequestsForAgent_OnlyTheAgent(t *testing.T) {
	f, owner, _ := newCashInFixture(t, 0)
	f.request(t, owner, "agent@example.com", 100, ledger.DirectionIn)

	_, err := f.engine.ListRequestsForAgent(ctx, owner, "agent@example.com")
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	// Existence of other agents is not revealed
	_, err = f.engine.ListRequestsForAgent(ctx, owner, "0799999999")
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	// A normal account has no queue of its own
	_, err = f.engine.ListRequestsForAgent(ctx, owner, owner.Email)
	assert.ErrorIs(t, err, ledger.ErrForbidden)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestApproveCashIn_MovesAgentFloatToOwner(t *testing.T) {
	// GIVEN: A pending cash-in of 300; the agent holds 1000 float
	// WHEN: The agent approves it
	// THEN: Owner +300, agent -300, request approved, one record per account

	f, owner, agent := newCashInFixture(t, 1000)
	request := f.request(t, owner, agent.Email, 300, ledger.DirectionIn)

	settled, err := f.engine.ApproveCashIn(ctx, agent, request.ID)
	require.NoError(t, err)

	assert.Equal(t, ledger.RequestApproved, settled.Status)
	assert.Equal(t, int64(1300), f.balance(t, owner.Email))
	assert.Equal(t, int64(700), f.balance(t, agent.Email))

	ownerRecords := f.history(t, owner.Email)
	require.Len(t, ownerRecords, 1)
	assert.Equal(t, ledger.KindCashIn, ownerRecords[0].Kind)
	assert.Equal(t, ledger.RequestApproved, ownerRecords[0].RequestStatus)
	assert.Equal(t, int64(1300), ownerRecords[0].Balance)

	agentRecords := f.history(t, agent.Email)
	require.Len(t, agentRecords, 1)
	assert.Equal(t, ledger.Debit, agentRecords[0].Direction)

	// Second approval is a conflict and moves nothing
	_, err = f.engine.ApproveCashIn(ctx, agent, request.ID)
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.Equal(t, int64(1300), f.balance(t, owner.Email))
}

func TestApproveCashIn_OutDirectionAppliesCashOutRule(t *testing.T) {
	f, owner, agent := newCashInFixture(t, 0)
	request := f.request(t, owner, agent.Email, 500, ledger.DirectionOut)

	_, err := f.engine.ApproveCashIn(ctx, agent, request.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(485), f.balance(t, owner.Email))
	assert.Equal(t, int64(500), f.balance(t, agent.Email))
	records := f.history(t, owner.Email)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.KindCashOut, records[0].Kind)
	assert.Equal(t, ledger.RequestApproved, records[0].RequestStatus)
}

func TestApproveCashIn_AgentFloatTooLow_StaysPending(t *testing.T) {
	f, owner, agent := newCashInFixture(t, 100)
	request := f.request(t, owner, agent.Email, 300, ledger.DirectionIn)

	_, err := f.engine.ApproveCashIn(ctx, agent, request.ID)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	listed, err := f.engine.ListRequestsForAgent(ctx, agent, agent.Email)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, ledger.RequestPending, listed[0].Status)
	assert.Equal(t, int64(1000), f.balance(t, owner.Email))
	assert.Equal(t, int64(100), f.balance(t, agent.Email))
}

func TestApproveCashIn_OnlyTheAddressedAgent(t *testing.T) {
	f, owner, agent := newCashInFixture(t, 1000)
	other := f.account(t, "other-agent@example.com", "", ledger.RoleAgent, 1000)
	request := f.request(t, owner, agent.Email, 100, ledger.DirectionIn)

	_, err := f.engine.ApproveCashIn(ctx, other, request.ID)
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	_, err = f.engine.ApproveCashIn(ctx, agent, "no-such-request")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRejectCashIn_ClosesWithoutMovingMoney(t *testing.T) {
	f, owner, agent := newCashInFixture(t, 1000)
	request := f.request(t, owner, agent.Email, 100, ledger.DirectionIn)

	rejected, err := f.engine.RejectCashIn(ctx, agent, request.ID, "no cash on hand")
	require.NoError(t, err)

	assert.Equal(t, ledger.RequestRejected, rejected.Status)
	assert.Equal(t, "no cash on hand", rejected.RejectionReason)
	assert.Equal(t, int64(1000), f.balance(t, owner.Email))
	assert.Equal(t, int64(1000), f.balance(t, agent.Email))
	assert.Empty(t, f.history(t, owner.Email))

	_, err = f.engine.ApproveCashIn(ctx, agent, request.ID)
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestExpireStaleRequests(t *testing.T) {
	// GIVEN: One request filed two hours ago and one filed just now
	// WHEN: Requests older than an hour are expired
	// THEN: Only the old one is rejected, with reason "expired"

	f, owner, agent := newCashInFixture(t, 0)
	old := f.request(t, owner, agent.Email, 100, ledger.DirectionIn)
	f.clock.Advance(2 * time.Hour)
	fresh := f.request(t, owner, agent.Email, 200, ledger.DirectionIn)

	n, err := f.engine.ExpireStaleRequests(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := f.store.GetRequest(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestRejected, expired.Status)
	assert.Equal(t, "expired", expired.RejectionReason)

	kept, err := f.store.GetRequest(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestPending, kept.Status)

	// Nothing left to expire
	n, err = f.engine.ExpireStaleRequests(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
