/*
cashin.go - Cash request lifecycle

PURPOSE:
  A cash-in call records intent only: the caller asks an agent to turn
  physical cash into balance. No balance moves until the agent settles.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────┐
  │                                                              │
  │  CashIn ──▶ pending ──▶ ApproveCashIn ──▶ approved           │
  │                │            agent -= amount, owner += amount │
  │                │                                             │
  │                ├──────▶ RejectCashIn ──▶ rejected            │
  │                │                                             │
  │                └──────▶ ExpireStaleRequests ──▶ rejected     │
  │                                                              │
  └──────────────────────────────────────────────────────────────┘

  Requests with direction "out" settle through the cash-out rule
  (VAT on the owner's balance) when approved.

AUTHORIZATION:
  Only the agent named on a request may approve or reject it, and only
  while the request is pending. A second approval is a Conflict, never a
  second credit.

SEE ALSO:
  - cashout.go: commitCashOut, shared by "out" approvals
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// CashInRequest asks Agent to settle Amount for Owner.
type CashInRequest struct {
	Owner     string
	Agent     string
	Amount    int64
	Direction RequestDirection
	PIN       string
}

// CashIn records a pending request. No balance is mutated.
func (e *Engine) CashIn(ctx context.Context, caller Identity, req CashInRequest) (*CashRequest, error) {
	return observe(e, "cash_in", func() (*CashRequest, error) {
		return e.cashIn(ctx, caller, req)
	})
}

func (e *Engine) cashIn(ctx context.Context, caller Identity, req CashInRequest) (*CashRequest, error) {
	if err := requireCaller(caller, req.Owner); err != nil {
		return nil, err
	}
	if err := e.requireAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.Direction == "" {
		req.Direction = DirectionIn
	}
	if req.Direction != DirectionIn && req.Direction != DirectionOut {
		return nil, fail(ErrInvalidRequest, "request type must be %q or %q", DirectionIn, DirectionOut)
	}

	agent, err := e.resolve(ctx, req.Agent, true)
	if err != nil {
		if IsValidation(err) {
			return nil, fail(ErrNotFound, "invalid agent %q", req.Agent)
		}
		return nil, err
	}
	if agent.Email == req.Owner {
		return nil, fail(ErrInvalidRequest, "agent cannot service its own request")
	}

	if _, err := e.authorize(ctx, caller, req.PIN); err != nil {
		return nil, err
	}

	now := e.now()
	request := CashRequest{
		ID:        e.newID(),
		Owner:     req.Owner,
		Agent:     agent.Email,
		Amount:    req.Amount,
		Direction: req.Direction,
		Status:    RequestPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.withRetry(ctx, "cash_in", func(ctx context.Context) error {
		return e.store.InsertRequest(ctx, request)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("op", "cash_in").
		Str("request", request.ID).
		Str("owner", request.Owner).
		Str("agent", request.Agent).
		Int64("amount", request.Amount).
		Msg("cash request created")
	return &request, nil
}

// ListRequestsForAgent returns every request addressed to the agent named
// by identifier, whichever of its identifiers the request was filed under.
// Only the agent itself may list them.
func (e *Engine) ListRequestsForAgent(ctx context.Context, caller Identity, identifier string) ([]CashRequest, error) {
	return observe(e, "list_requests", func() ([]CashRequest, error) {
		agent, err := e.ownAccount(ctx, caller, identifier)
		if err != nil {
			return nil, err
		}
		if agent.Role != RoleAgent {
			return nil, fail(ErrForbidden, "agent role required")
		}

		ids := []string{agent.Email}
		if agent.Phone != "" {
			ids = append(ids, agent.Phone)
		}

		var requests []CashRequest
		err = e.withRetry(ctx, "list_requests", func(ctx context.Context) error {
			var err error
			requests, err = e.store.ListRequestsForAgent(ctx, ids...)
			return err
		})
		return requests, err
	})
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// ApproveCashIn settles a pending request on behalf of its agent.
func (e *Engine) ApproveCashIn(ctx context.Context, caller Identity, requestID string) (*CashRequest, error) {
	return observe(e, "approve_request", func() (*CashRequest, error) {
		return e.approve(ctx, caller, requestID)
	})
}

func (e *Engine) approve(ctx context.Context, caller Identity, requestID string) (*CashRequest, error) {
	request, err := e.pendingRequestFor(ctx, caller, requestID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(request.Owner, request.Agent)
	defer unlock()

	var settled *CashRequest
	err = e.atomically(ctx, "approve_request", func(ctx context.Context, tx Tx) error {
		current, err := getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if current.Status != RequestPending {
			return fail(ErrConflict, "request is %s", current.Status)
		}
		agent, err := mustGet(ctx, tx, current.Agent)
		if err != nil {
			return err
		}
		if agent.Role != RoleAgent {
			return fail(ErrForbidden, "%q is no longer an agent", agent.Email)
		}

		switch current.Direction {
		case DirectionOut:
			if _, err := e.commitCashOut(ctx, tx, current.Owner, current.Agent, current.Amount, RequestApproved); err != nil {
				return err
			}
		default:
			if err := e.commitCashIn(ctx, tx, current, agent); err != nil {
				return err
			}
		}

		now := e.now()
		if err := tx.UpdateRequestStatus(ctx, current.ID, RequestApproved, "", now); err != nil {
			return err
		}
		current.Status = RequestApproved
		current.UpdatedAt = now
		settled = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("op", "approve_request").
		Str("request", settled.ID).
		Str("direction", string(settled.Direction)).
		Int64("amount", settled.Amount).
		Msg("cash request approved")
	return settled, nil
}

// commitCashIn moves amount from the agent's float to the owner.
func (e *Engine) commitCashIn(ctx context.Context, tx Tx, request *CashRequest, agent *Account) error {
	owner, err := mustGet(ctx, tx, request.Owner)
	if err != nil {
		return err
	}
	if agent.Balance < request.Amount {
		return &InsufficientBalanceError{
			Account:   agent.Email,
			Available: agent.Balance,
			Requested: request.Amount,
			Reason:    "agent balance low",
		}
	}

	agentBalance := agent.Balance - request.Amount
	ownerBalance, err := addToBalance(owner, request.Amount)
	if err != nil {
		return err
	}
	if err := tx.UpdateBalance(ctx, agent.Email, agentBalance); err != nil {
		return err
	}
	if err := tx.UpdateBalance(ctx, owner.Email, ownerBalance); err != nil {
		return err
	}

	now := e.now()
	opID := e.newID()
	legs := []Record{
		{
			ID: e.newID(), OperationID: opID, Kind: KindCashIn, Direction: Credit,
			Actor: owner.Email, Counterparty: agent.Email, Initiator: owner.Email,
			Amount: request.Amount, Balance: ownerBalance,
			RequestStatus: RequestApproved, CreatedAt: now,
		},
		{
			ID: e.newID(), OperationID: opID, Kind: KindCashIn, Direction: Debit,
			Actor: agent.Email, Counterparty: owner.Email, Initiator: owner.Email,
			Amount: request.Amount, Balance: agentBalance,
			RequestStatus: RequestApproved, CreatedAt: now,
		},
	}
	for _, leg := range legs {
		if err := tx.Append(ctx, leg); err != nil {
			return err
		}
	}
	return nil
}

// RejectCashIn closes a pending request without moving money.
func (e *Engine) RejectCashIn(ctx context.Context, caller Identity, requestID, reason string) (*CashRequest, error) {
	return observe(e, "reject_request", func() (*CashRequest, error) {
		if _, err := e.pendingRequestFor(ctx, caller, requestID); err != nil {
			return nil, err
		}
		return e.reject(ctx, requestID, reason)
	})
}

func (e *Engine) reject(ctx context.Context, requestID, reason string) (*CashRequest, error) {
	var rejected *CashRequest
	err := e.atomically(ctx, "reject_request", func(ctx context.Context, tx Tx) error {
		current, err := getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if current.Status != RequestPending {
			return fail(ErrConflict, "request is %s", current.Status)
		}
		now := e.now()
		if err := tx.UpdateRequestStatus(ctx, requestID, RequestRejected, reason, now); err != nil {
			return err
		}
		current.Status = RequestRejected
		current.RejectionReason = reason
		current.UpdatedAt = now
		rejected = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("op", "reject_request").Str("request", requestID).Str("reason", reason).Msg("cash request rejected")
	return rejected, nil
}

// ExpireStaleRequests rejects pending requests older than maxAge and returns
// how many it closed. Requests settled concurrently are skipped.
func (e *Engine) ExpireStaleRequests(ctx context.Context, maxAge time.Duration) (int, error) {
	return observe(e, "expire_requests", func() (int, error) {
		cutoff := e.now().Add(-maxAge)

		var stale []CashRequest
		err := e.withRetry(ctx, "expire_requests", func(ctx context.Context) error {
			var err error
			stale, err = e.store.ListPendingBefore(ctx, cutoff)
			return err
		})
		if err != nil {
			return 0, err
		}

		expired := make([]bool, len(stale))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, request := range stale {
			i, id := i, request.ID
			g.Go(func() error {
				_, err := e.reject(gctx, id, "expired")
				if errors.Is(err, ErrConflict) {
					return nil
				}
				if err != nil {
					return err
				}
				expired[i] = true
				return nil
			})
		}
		err = g.Wait()

		count := 0
		for _, ok := range expired {
			if ok {
				count++
			}
		}
		return count, err
	})
}

// pendingRequestFor loads a request and checks that caller is its agent
// and that it is still pending.
func (e *Engine) pendingRequestFor(ctx context.Context, caller Identity, requestID string) (*CashRequest, error) {
	var request *CashRequest
	err := e.withRetry(ctx, "get_request", func(ctx context.Context) error {
		var err error
		request, err = getRequest(ctx, e.store, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := requireCaller(caller, request.Agent); err != nil {
		return nil, err
	}
	if request.Status != RequestPending {
		return nil, fail(ErrConflict, "request is %s", request.Status)
	}
	return request, nil
}

func getRequest(ctx context.Context, store RequestStore, id string) (*CashRequest, error) {
	request, err := store.GetRequest(ctx, id)
	if errors.Is(err, ErrRequestNotFound) {
		return nil, fail(ErrNotFound, "no request %q", id)
	}
	return request, err
}
