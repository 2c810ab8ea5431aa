/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  decode(), which rejects unknown fields and runs the validator before any
  engine call. Business rules (balances, roles, PINs) stay in the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/mfc-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RegisterRequest creates an account. Admin accounts are only created by
// the server bootstrap, never over HTTP.
type RegisterRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Phone string `json:"phone" validate:"omitempty,min=7,max=16"`
	Name  string `json:"name" validate:"max=100"`
	PIN   string `json:"pin" validate:"required,numeric,min=4,max=12"`
	Role  string `json:"role" validate:"omitempty,oneof=normal agent"`
}

type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	PIN        string `json:"pin" validate:"required"`
}

type SendRequest struct {
	To     string `json:"to" validate:"required"`
	Amount int64  `json:"amount" validate:"gt=0,lte=1000000000000"`
	PIN    string `json:"pin" validate:"required"`
}

type CashOutRequest struct {
	Agent  string `json:"agent" validate:"required"`
	Amount int64  `json:"amount" validate:"gt=0,lte=1000000000000"`
	PIN    string `json:"pin" validate:"required"`
}

type CashInRequest struct {
	Agent  string `json:"agent" validate:"required"`
	Amount int64  `json:"amount" validate:"gt=0,lte=1000000000000"`
	Type   string `json:"type" validate:"omitempty,oneof=in out"`
	PIN    string `json:"pin" validate:"required"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

type CreditRequest struct {
	Amount int64 `json:"amount" validate:"gt=0,lte=1000000000000"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type AccountDTO struct {
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at,omitempty"`
}

type SessionDTO struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

type SendDTO struct {
	OperationID string `json:"operation_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
	Balance     int64  `json:"balance"`
}

type CashOutDTO struct {
	OperationID string `json:"operation_id"`
	Agent       string `json:"agent"`
	Amount      int64  `json:"amount"`
	VAT         int64  `json:"vat"`
	Balance     int64  `json:"balance"`
}

type CashRequestDTO struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	Agent           string `json:"agent"`
	Amount          int64  `json:"amount"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type RecordDTO struct {
	ID            string `json:"id"`
	OperationID   string `json:"operation_id"`
	Kind          string `json:"kind"`
	Direction     string `json:"direction"`
	Counterparty  string `json:"counterparty,omitempty"`
	Initiator     string `json:"initiator"`
	Amount        int64  `json:"amount"`
	Fee           int64  `json:"fee"`
	VAT           int64  `json:"vat"`
	Balance       int64  `json:"balance"`
	RequestStatus string `json:"request_status,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(a *ledger.Account) AccountDTO {
	return AccountDTO{
		Email:     a.Email,
		Phone:     a.Phone,
		Name:      a.Name,
		Role:      string(a.Role),
		Status:    string(a.Status),
		Balance:   a.Balance,
		CreatedAt: formatTime(a.CreatedAt),
	}
}

func toCashRequestDTO(r *ledger.CashRequest) CashRequestDTO {
	return CashRequestDTO{
		ID:              r.ID,
		Owner:           r.Owner,
		Agent:           r.Agent,
		Amount:          r.Amount,
		Type:            string(r.Direction),
		Status:          string(r.Status),
		RejectionReason: r.RejectionReason,
		CreatedAt:       formatTime(r.CreatedAt),
		UpdatedAt:       formatTime(r.UpdatedAt),
	}
}

func toRecordDTOs(records []ledger.Record) []RecordDTO {
	dtos := make([]RecordDTO, len(records))
	for i, r := range records {
		dtos[i] = RecordDTO{
			ID:            r.ID,
			OperationID:   r.OperationID,
			Kind:          string(r.Kind),
			Direction:     string(r.Direction),
			Counterparty:  r.Counterparty,
			Initiator:     r.Initiator,
			Amount:        r.Amount,
			Fee:           r.Fee,
			VAT:           r.VAT,
			Balance:       r.Balance,
			RequestStatus: string(r.RequestStatus),
			CreatedAt:     formatTime(r.CreatedAt),
		}
	}
	return dtos
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
