/*
errors.go - Failure taxonomy for the ledger engine

PURPOSE:
  All error types in one place. Validation outcomes (forbidden caller,
  unknown identifier, wrong PIN, insufficient balance, duplicate
  registration) are expected results and travel as *Failure values.
  Authentication errors and integrity faults are hard failures that
  the boundary must reject or alert on.

ERROR CATEGORIES:
  1. Validation failures - *Failure with a Kind sentinel, safe to show the caller
  2. Hard failures       - ErrAuth, ErrIntegrityFault
  3. Store errors        - ErrAccountNotFound, ErrDuplicateAccount, ErrTransient

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      // structured reason available via errors.As(err, &failure)
  }

SEE ALSO:
  - retry.go: Converts exhausted ErrTransient into ErrUnavailable
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Failure kinds, use with errors.Is()
// =============================================================================

var (
	// ErrForbidden is returned when the authenticated caller is not the
	// account the operation acts on.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when an identifier resolves to no account,
	// or to an account without the required role.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPin is returned when the PIN does not match the stored hash.
	ErrInvalidPin = errors.New("invalid pin")

	// ErrInsufficientBalance is returned when an operation would take a
	// balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConflict is returned for duplicate registrations and for requests
	// that are no longer pending.
	ErrConflict = errors.New("conflict")

	// ErrInvalidRequest is returned for malformed input (non-positive
	// amounts, self transfers).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAuth is returned when a session credential is invalid or expired.
	ErrAuth = errors.New("authentication failed")

	// ErrIntegrityFault is returned when the store violates an invariant it
	// promised to uphold, e.g. two accounts share an identifier.
	ErrIntegrityFault = errors.New("integrity fault")

	// ErrUnavailable is returned when the store kept failing transiently
	// after the bounded retries.
	ErrUnavailable = errors.New("service unavailable")
)

// Store-level errors. Backends translate driver errors into these.
var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrRequestNotFound  = errors.New("request not found")
	ErrDuplicateAccount = errors.New("duplicate account")

	// ErrTransient marks lock contention, serialization failures, timeouts
	// and lost connections. Wrap it, never return it bare.
	ErrTransient = errors.New("transient store error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry the human-readable reason
// =============================================================================

// Failure is an expected, recoverable outcome of a ledger operation.
type Failure struct {
	Kind   error
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%v: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Kind
}

func fail(kind error, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientBalanceError details a shortage. It unwraps to ErrInsufficientBalance.
type InsufficientBalanceError struct {
	Account   string
	Available int64
	Requested int64
	Reason    string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %s (available %d, requested %d)",
		e.Reason, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Transient wraps err so that IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation reports whether err is an expected business outcome that
// should be returned to the caller as data.
func IsValidation(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidPin) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsTransient reports whether err might succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Reason extracts the caller-facing reason from err.
func Reason(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	var ib *InsufficientBalanceError
	if errors.As(err, &ib) {
		return ib.Reason
	}
	return err.Error()
}
