/*
Package ledger provides the balance-mutation and transaction-recording engine.

PURPOSE:
  Every operation that moves money between accounts lives here: send,
  cash-in request and settlement, cash-out, plus the registration and
  login transitions that gate them. The engine reads account state,
  validates it, computes new balances (fee and VAT included), persists
  the mutation and appends the audit records, all inside one atomic unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: one balance + role per identity (email), reachable by phone too
  - Record: an immutable history entry for one affected account
  - CashRequest: a cash-in/cash-out intent serviced by an agent
  - Identity: the verified caller handed over by the Session Authenticator

MONEY:
  Amounts and balances are int64 minor units. Proportional deductions
  (VAT) are computed with decimal.Decimal and rounded up to a whole minor
  unit before they touch a balance. See policy.go.

SEE ALSO:
  - engine.go: Engine construction and shared plumbing
  - store.go: Persistence interfaces consumed by the engine
  - errors.go: Failure taxonomy
*/
package ledger

import "time"

// =============================================================================
// ACCOUNT
// =============================================================================

type Role string

const (
	RoleNormal Role = "normal"
	RoleAgent  Role = "agent"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleNormal, RoleAgent, RoleAdmin:
		return true
	}
	return false
}

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
)

// Account is the durable record of one identity's balance.
// Email is the identity key; Phone is a secondary unique identifier.
type Account struct {
	Email     string
	Phone     string
	Name      string
	PINHash   string
	Role      Role
	Balance   int64
	Status    Status
	LoggedIn  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Matches reports whether identifier names this account.
func (a Account) Matches(identifier string) bool {
	return identifier != "" && (a.Email == identifier || a.Phone == identifier)
}

// =============================================================================
// HISTORY RECORD - Immutable audit entry
// =============================================================================

type Kind string

const (
	KindSend    Kind = "send"
	KindCashIn  Kind = "cash-in"
	KindCashOut Kind = "cash-out"
	KindCredit  Kind = "credit"
)

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Record describes one leg of a balance-affecting operation.
//
// Actor is the account whose balance the record describes; Balance is
// that account's balance after the operation committed. Initiator is the
// account that asked for the operation, which differs from Actor on the
// receiving leg of a send or the agent leg of a cash-out.
type Record struct {
	ID            string
	OperationID   string
	Kind          Kind
	Direction     Direction
	Actor         string
	Counterparty  string
	Initiator     string
	Amount        int64
	Fee           int64
	VAT           int64
	Balance       int64
	RequestStatus RequestStatus
	CreatedAt     time.Time
}

// =============================================================================
// CASH REQUEST - Intent serviced by an agent
// =============================================================================

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

type RequestDirection string

const (
	DirectionIn  RequestDirection = "in"
	DirectionOut RequestDirection = "out"
)

// CashRequest is created pending by a cash-in call and settled by the agent.
// Status is the only field that transitions.
type CashRequest struct {
	ID              string
	Owner           string
	Agent           string
	Amount          int64
	Direction       RequestDirection
	Status          RequestStatus
	RejectionReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// =============================================================================
// IDENTITY
// =============================================================================

// Identity is the verified caller. It carries the caller's email and nothing else.
type Identity struct {
	Email string
}

func (id Identity) IsZero() bool { return id.Email == "" }
