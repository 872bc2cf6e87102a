package domain

import (
	"errors"
	"fmt"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Lookup errors
var (
	// ErrLoanNotFound is returned when no loan matches the given id.
	ErrLoanNotFound = errors.New("loan not found")

	// ErrIntentNotFound is returned when no intent matches the given id.
	ErrIntentNotFound = errors.New("intent not found")
)

// Category sentinels. Typed errors below match these through their Is method,
// so callers can branch on the category without a type assertion.
var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized marks a caller lacking the capability for an action.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTransient marks infrastructure faults that may succeed on retry.
	ErrTransient = errors.New("transient failure")

	// ErrIntentStale is returned when a match claim loses a race against a
	// concurrent cancel or another clearing run.
	ErrIntentStale = errors.New("intent changed since snapshot")

	// ErrPrerequisiteMissing is returned by replica projections when an event
	// refers to a row that has not been projected yet.
	ErrPrerequisiteMissing = Transient("replica.project", errors.New("prerequisite row missing"))
)

// Auth errors
var (
	// ErrForbidden is returned when the authenticated caller lacks the required role.
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrTokenExpired is returned when a JWT has passed its TTL.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or its signature
	// does not match.
	ErrTokenInvalid = errors.New("token is invalid")
)

// ──────────────────────────────────────────────────────────────────────────────
// State errors
// ──────────────────────────────────────────────────────────────────────────────

// StateCode names the ledger precondition a mutation violated.
type StateCode string

const (
	CodeInsufficientBalance    StateCode = "INSUFFICIENT_BALANCE"
	CodeInsufficientCollateral StateCode = "INSUFFICIENT_COLLATERAL"
	CodeAlreadySettled         StateCode = "ALREADY_SETTLED"
	CodeNotOverdue             StateCode = "NOT_OVERDUE"
	CodeBelowMinCollateral     StateCode = "BELOW_MIN_COLLATERAL"
	CodeSeniorInsufficient     StateCode = "SENIOR_INSUFFICIENT"
	CodeJuniorInsufficient     StateCode = "JUNIOR_INSUFFICIENT"
	CodeInsufficientRepayment  StateCode = "INSUFFICIENT_REPAYMENT"
)

// StateError is a terminal rejection caused by current ledger state.
type StateError struct {
	Code   StateCode
	Detail string
}

func (e *StateError) Error() string {
	if e.Detail == "" {
		return "state: " + string(e.Code)
	}
	return fmt.Sprintf("state: %s: %s", e.Code, e.Detail)
}

// Is matches another StateError with the same code. A StateError with an empty
// code matches every state error.
func (e *StateError) Is(target error) bool {
	t, ok := target.(*StateError)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// State sentinels, one per code.
var (
	ErrState                  = &StateError{}
	ErrInsufficientBalance    = &StateError{Code: CodeInsufficientBalance}
	ErrInsufficientCollateral = &StateError{Code: CodeInsufficientCollateral}
	ErrAlreadySettled         = &StateError{Code: CodeAlreadySettled}
	ErrNotOverdue             = &StateError{Code: CodeNotOverdue}
	ErrBelowMinCollateral     = &StateError{Code: CodeBelowMinCollateral}
	ErrSeniorInsufficient     = &StateError{Code: CodeSeniorInsufficient}
	ErrJuniorInsufficient     = &StateError{Code: CodeJuniorInsufficient}
	ErrInsufficientRepayment  = &StateError{Code: CodeInsufficientRepayment}
)

// NewStateError builds a StateError with a formatted detail message.
func NewStateError(code StateCode, format string, args ...any) error {
	return &StateError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ──────────────────────────────────────────────────────────────────────────────
// Validation / authorization / transient
// ──────────────────────────────────────────────────────────────────────────────

// ValidationError reports a malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthorizationError reports that Caller may not perform Action.
type AuthorizationError struct {
	Caller Address
	Action string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("unauthorized: %s may not %s", e.Caller, e.Action)
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrUnauthorized }

// TransientError wraps an infrastructure fault (timeout, connection loss).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a TransientError. A nil err yields nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

// notFoundErrors collects all "entity not found" sentinel errors so that
// IsNotFound can stay in sync automatically.
var notFoundErrors = []error{
	ErrLoanNotFound,
	ErrIntentNotFound,
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsAuthorization reports whether err is an authorization failure, including
// token and role errors raised at the HTTP edge.
func IsAuthorization(err error) bool {
	for _, target := range []error{ErrUnauthorized, ErrForbidden, ErrTokenExpired, ErrTokenInvalid} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsState reports whether err is any StateError.
func IsState(err error) bool { return errors.Is(err, ErrState) }

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// StateCodeOf extracts the code of a StateError in err's chain, or "".
func StateCodeOf(err error) StateCode {
	var se *StateError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
