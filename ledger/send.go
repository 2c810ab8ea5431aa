package ledger

import (
	"context"
)

// SendRequest moves Amount from From to the account identified by To.
type SendRequest struct {
	From   string
	To     string
	Amount int64
	PIN    string
}

// SendResult confirms a committed send.
type SendResult struct {
	OperationID      string
	From             string
	To               string
	Amount           int64
	Fee              int64
	SenderBalance    int64
	RecipientBalance int64
}

// Send transfers money between two accounts.
//
// Sends above the fee threshold cost the sender a flat fee on top of the
// amount; the recipient always receives exactly Amount. The sender must
// cover amount+fee before anything is written. Both balance updates and
// both history records commit in one transaction.
func (e *Engine) Send(ctx context.Context, caller Identity, req SendRequest) (*SendResult, error) {
	return observe(e, "send", func() (*SendResult, error) {
		return e.send(ctx, caller, req)
	})
}

func (e *Engine) send(ctx context.Context, caller Identity, req SendRequest) (*SendResult, error) {
	if err := requireCaller(caller, req.From); err != nil {
		return nil, err
	}
	if err := e.requireAmount(req.Amount); err != nil {
		return nil, err
	}

	recipient, err := e.resolve(ctx, req.To, false)
	if err != nil {
		if IsValidation(err) {
			return nil, fail(ErrNotFound, "invalid recipient %q", req.To)
		}
		return nil, err
	}
	if recipient.Email == req.From {
		return nil, fail(ErrInvalidRequest, "cannot send to yourself")
	}

	if _, err := e.authorize(ctx, caller, req.PIN); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(req.From, recipient.Email)
	defer unlock()

	fee := e.policy.SendFeeFor(req.Amount)
	debit := req.Amount + fee

	var result *SendResult
	err = e.atomically(ctx, "send", func(ctx context.Context, tx Tx) error {
		sender, err := mustGet(ctx, tx, req.From)
		if err != nil {
			return err
		}
		if sender.Balance < debit {
			return &InsufficientBalanceError{
				Account:   sender.Email,
				Available: sender.Balance,
				Requested: debit,
				Reason:    "Balance low",
			}
		}
		receiver, err := mustGet(ctx, tx, recipient.Email)
		if err != nil {
			return err
		}

		senderBalance := sender.Balance - debit
		receiverBalance, err := addToBalance(receiver, req.Amount)
		if err != nil {
			return err
		}

		if err := tx.UpdateBalance(ctx, sender.Email, senderBalance); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, receiver.Email, receiverBalance); err != nil {
			return err
		}

		now := e.now()
		opID := e.newID()
		legs := []Record{
			{
				ID: e.newID(), OperationID: opID, Kind: KindSend, Direction: Debit,
				Actor: sender.Email, Counterparty: receiver.Email, Initiator: sender.Email,
				Amount: req.Amount, Fee: fee, Balance: senderBalance, CreatedAt: now,
			},
			{
				ID: e.newID(), OperationID: opID, Kind: KindSend, Direction: Credit,
				Actor: receiver.Email, Counterparty: sender.Email, Initiator: sender.Email,
				Amount: req.Amount, Balance: receiverBalance, CreatedAt: now,
			},
		}
		for _, leg := range legs {
			if err := tx.Append(ctx, leg); err != nil {
				return err
			}
		}

		result = &SendResult{
			OperationID:      opID,
			From:             sender.Email,
			To:               receiver.Email,
			Amount:           req.Amount,
			Fee:              fee,
			SenderBalance:    senderBalance,
			RecipientBalance: receiverBalance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("op", "send").
		Str("from", result.From).
		Str("to", result.To).
		Int64("amount", result.Amount).
		Int64("fee", result.Fee).
		Int64("sender_balance", result.SenderBalance).
		Msg("send committed")
	return result, nil
}
