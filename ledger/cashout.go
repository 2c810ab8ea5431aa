package ledger

import "context"

// CashOutRequest converts Amount of Owner's balance into cash handed out by Agent.
type CashOutRequest struct {
	Owner  string
	Agent  string
	Amount int64
	PIN    string
}

type CashOutResult struct {
	OperationID  string
	Owner        string
	Agent        string
	Amount       int64
	VAT          int64
	OwnerBalance int64
}

// CashOut debits the caller by VAT plus Amount and credits the agent by
// Amount only. VAT is charged on the whole balance and is not credited to
// any account.
func (e *Engine) CashOut(ctx context.Context, caller Identity, req CashOutRequest) (*CashOutResult, error) {
	return observe(e, "cash_out", func() (*CashOutResult, error) {
		return e.cashOut(ctx, caller, req)
	})
}

func (e *Engine) cashOut(ctx context.Context, caller Identity, req CashOutRequest) (*CashOutResult, error) {
	if err := requireCaller(caller, req.Owner); err != nil {
		return nil, err
	}
	if err := e.requireAmount(req.Amount); err != nil {
		return nil, err
	}

	agent, err := e.resolve(ctx, req.Agent, true)
	if err != nil {
		if IsValidation(err) {
			return nil, fail(ErrNotFound, "invalid agent %q", req.Agent)
		}
		return nil, err
	}
	if agent.Email == req.Owner {
		return nil, fail(ErrInvalidRequest, "agent cannot cash out to itself")
	}

	if _, err := e.authorize(ctx, caller, req.PIN); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(req.Owner, agent.Email)
	defer unlock()

	var result *CashOutResult
	err = e.atomically(ctx, "cash_out", func(ctx context.Context, tx Tx) error {
		var err error
		result, err = e.commitCashOut(ctx, tx, req.Owner, agent.Email, req.Amount, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("op", "cash_out").
		Str("owner", result.Owner).
		Str("agent", result.Agent).
		Int64("amount", result.Amount).
		Int64("vat", result.VAT).
		Int64("owner_balance", result.OwnerBalance).
		Msg("cash-out committed")
	return result, nil
}

// commitCashOut applies the VAT rule and moves the money. It is shared by
// direct cash-outs and approved "out" requests; status is recorded on the
// history legs when the cash-out settles a request.
func (e *Engine) commitCashOut(ctx context.Context, tx Tx, ownerEmail, agentEmail string, amount int64, status RequestStatus) (*CashOutResult, error) {
	owner, err := mustGet(ctx, tx, ownerEmail)
	if err != nil {
		return nil, err
	}
	agent, err := mustGet(ctx, tx, agentEmail)
	if err != nil {
		return nil, err
	}

	vat := e.policy.CashOutVAT(owner.Balance)
	available := owner.Balance - vat
	if available <= 0 {
		reason := "Balance low"
		if owner.Balance == 0 {
			reason = "balance 0"
		}
		return nil, &InsufficientBalanceError{
			Account: owner.Email, Available: available, Requested: amount, Reason: reason,
		}
	}
	ownerBalance := available - amount
	if ownerBalance < 0 {
		return nil, &InsufficientBalanceError{
			Account: owner.Email, Available: available, Requested: amount, Reason: "Balance low",
		}
	}
	agentBalance, err := addToBalance(agent, amount)
	if err != nil {
		return nil, err
	}

	if err := tx.UpdateBalance(ctx, owner.Email, ownerBalance); err != nil {
		return nil, err
	}
	if err := tx.UpdateBalance(ctx, agent.Email, agentBalance); err != nil {
		return nil, err
	}

	now := e.now()
	opID := e.newID()
	legs := []Record{
		{
			ID: e.newID(), OperationID: opID, Kind: KindCashOut, Direction: Debit,
			Actor: owner.Email, Counterparty: agent.Email, Initiator: owner.Email,
			Amount: amount, Fee: vat, VAT: vat, Balance: ownerBalance,
			RequestStatus: status, CreatedAt: now,
		},
		{
			ID: e.newID(), OperationID: opID, Kind: KindCashOut, Direction: Credit,
			Actor: agent.Email, Counterparty: owner.Email, Initiator: owner.Email,
			Amount: amount, Balance: agentBalance,
			RequestStatus: status, CreatedAt: now,
		},
	}
	for _, leg := range legs {
		if err := tx.Append(ctx, leg); err != nil {
			return nil, err
		}
	}

	return &CashOutResult{
		OperationID:  opID,
		Owner:        owner.Email,
		Agent:        agent.Email,
		Amount:       amount,
		VAT:          vat,
		OwnerBalance: ownerBalance,
	}, nil
}
