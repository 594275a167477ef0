package domainerrors

import "errors"

// Code represents a domain error category independent of transport layer.
// These codes describe what went wrong in fiscal-engine terms, not HTTP terms.
type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeInvalidInput Code = "invalid_input"
	CodeConflict     Code = "conflict"
	CodeInternal     Code = "internal_error"
	CodePrecondition Code = "precondition_failed"
	CodeInvalidState Code = "invalid_state_transition"

	// Fiscal protocol error codes. Nothing above the status classifier
	// inspects raw cStat values; these codes are the single taxonomy the
	// rest of the engine reacts to.
	CodeTransientService    Code = "transient_service"           // retry may succeed later
	CodeTerminalReject      Code = "terminal_reject"             // authority rejected, retrying will not help
	CodeDuplicateSubmission Code = "duplicate_submission"        // authority saw this document before; reconcile via query
	CodeServiceUnavailable  Code = "service_unavailable"         // bounded retries exhausted, retrying later remains correct
	CodeUnknownStatusCode   Code = "unknown_status_code"         // classifier gap; halt processing of that response
	CodeCertificate         Code = "certificate"                 // signing/identity material unusable; fail closed
	CodeCancellationExpired Code = "cancellation_window_expired" // local pre-flight refusal, distinct from authority 501
	CodeAmbiguousRule       Code = "ambiguous_rule"              // decision engine refuses to guess
)

// Error wraps domain or infrastructure failures with a stable code.
// It is transport-agnostic and can be used across service, store, and
// protocol-client layers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Unwrap implements error unwrapping for error chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is enables errors.Is() to match errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new domain error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap creates a new domain error wrapping an existing error.
// If the wrapped error is already a domain error, the original code is preserved.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode checks if an error is a domain error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or CodeInternal when err is not a
// domain error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
