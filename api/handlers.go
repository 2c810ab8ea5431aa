/*
handlers.go - HTTP API handlers for the mobile money ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization and input validation, and delegates every decision
  to ledger.Engine.

ENDPOINTS:
  Sessions (public):
    POST   /api/accounts                       Register
    POST   /api/sessions                       Login
  Sessions (authenticated):
    DELETE /api/sessions                       Logout

  Accounts (authenticated, caller must own {id}):
    GET    /api/accounts/{id}/balance          Balance
    GET    /api/accounts/{id}/history?limit=N  History, newest first
    POST   /api/accounts/{id}/send             Send money
    POST   /api/accounts/{id}/cash-in          Create a cash request
    POST   /api/accounts/{id}/cash-out         Cash out through an agent

  Agents (authenticated, caller must be the agent):
    GET    /api/agents/{id}/requests           Requests addressed to the agent
    POST   /api/requests/{id}/approve          Settle a pending request
    POST   /api/requests/{id}/reject           Close a pending request

  Admin (authenticated, admin role):
    POST   /api/admin/accounts/{id}/activate   Activate an account
    POST   /api/admin/accounts/{id}/credit     Issue float

ERROR HANDLING:
  Errors are returned as JSON (ErrorResponse) with a status derived from
  the failure kind:
  - 400: Invalid request body or amount
  - 401: Missing/invalid session, wrong PIN
  - 403: Caller acting on someone else's account
  - 404: Unknown identifier, request or agent
  - 409: Duplicate registration, request no longer pending
  - 422: Insufficient balance
  - 500: Integrity fault or unexpected error
  - 503: Store unavailable after retries

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Authentication, access log, metrics
  - server.go: Router setup
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/warp/mfc-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Auth   ledger.Authenticator

	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates a new handler around engine.
func NewHandler(engine *ledger.Engine, auth ledger.Authenticator, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		Auth:     auth,
		validate: validator.New(),
		log:      log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// Register creates a pending account.
// POST /api/accounts
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.Engine.Register(r.Context(), ledger.RegisterRequest{
		Email: req.Email,
		Phone: req.Phone,
		Name:  req.Name,
		PIN:   req.PIN,
		Role:  ledger.Role(req.Role),
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(account))
}

// Login exchanges an identifier and PIN for a session token.
// POST /api/sessions
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Engine.Login(r.Context(), req.Identifier, req.PIN)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if !result.Authenticated {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: result.Reason, Code: "not_logged_in"})
		return
	}
	writeJSON(w, http.StatusOK, SessionDTO{Token: result.Credential, Email: result.Identity.Email})
}

// Logout clears the caller's login flag.
// DELETE /api/sessions
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Logout(r.Context(), callerFrom(r.Context())); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// GetBalance returns the caller's account.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, err := h.Engine.Balance(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// GetHistory returns the newest records of the caller's account.
// GET /api/accounts/{id}/history?limit=N
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	records, err := h.Engine.History(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

// Send transfers money to another account.
// POST /api/accounts/{id}/send
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Engine.Send(r.Context(), callerFrom(r.Context()), ledger.SendRequest{
		From:   chi.URLParam(r, "id"),
		To:     req.To,
		Amount: req.Amount,
		PIN:    req.PIN,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SendDTO{
		OperationID: result.OperationID,
		From:        result.From,
		To:          result.To,
		Amount:      result.Amount,
		Fee:         result.Fee,
		Balance:     result.SenderBalance,
	})
}

// CashIn records a pending cash request for an agent.
// POST /api/accounts/{id}/cash-in
func (h *Handler) CashIn(w http.ResponseWriter, r *http.Request) {
	var req CashInRequest
	if !h.decode(w, r, &req) {
		return
	}

	request, err := h.Engine.CashIn(r.Context(), callerFrom(r.Context()), ledger.CashInRequest{
		Owner:     chi.URLParam(r, "id"),
		Agent:     req.Agent,
		Amount:    req.Amount,
		Direction: ledger.RequestDirection(req.Type),
		PIN:       req.PIN,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCashRequestDTO(request))
}

// CashOut converts balance into cash handed out by an agent.
// POST /api/accounts/{id}/cash-out
func (h *Handler) CashOut(w http.ResponseWriter, r *http.Request) {
	var req CashOutRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Engine.CashOut(r.Context(), callerFrom(r.Context()), ledger.CashOutRequest{
		Owner:  chi.URLParam(r, "id"),
		Agent:  req.Agent,
		Amount: req.Amount,
		PIN:    req.PIN,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CashOutDTO{
		OperationID: result.OperationID,
		Agent:       result.Agent,
		Amount:      result.Amount,
		VAT:         result.VAT,
		Balance:     result.OwnerBalance,
	})
}

// =============================================================================
// AGENT HANDLERS
// =============================================================================

// ListAgentRequests returns the requests addressed to the calling agent.
// GET /api/agents/{id}/requests
func (h *Handler) ListAgentRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.Engine.ListRequestsForAgent(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	dtos := make([]CashRequestDTO, len(requests))
	for i := range requests {
		dtos[i] = toCashRequestDTO(&requests[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveRequest settles a pending cash request.
// POST /api/requests/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	request, err := h.Engine.ApproveCashIn(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCashRequestDTO(request))
}

// RejectRequest closes a pending cash request without moving money.
// POST /api/requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "rejected by agent"
	}

	request, err := h.Engine.RejectCashIn(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCashRequestDTO(request))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Activate moves an account to active.
// POST /api/admin/accounts/{id}/activate
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	account, err := h.Engine.Activate(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// Credit issues float to an account.
// POST /api/admin/accounts/{id}/credit
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, err := h.Engine.Credit(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs([]ledger.Record{*record})[0])
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fmt.Sprintf("failed %q", fe.Tag())
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid request",
				Code:    "invalid_request",
				Details: details,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeFailure maps an engine error to a response. Only validation
// failures expose their reason; everything else is logged and reported
// generically.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := ledger.Outcome(err)

	switch {
	case ledger.IsValidation(err):
		writeJSON(w, status, ErrorResponse{Error: ledger.Reason(err), Code: code})
	case errors.Is(err, ledger.ErrAuth):
		writeJSON(w, status, ErrorResponse{Error: "not logged in", Code: code})
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Code: code})
	}
}

// statusFor returns the HTTP status for a failure kind.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidPin), errors.Is(err, ledger.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
