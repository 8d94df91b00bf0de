// Package sarkerr defines the error taxonomy every SARK subsystem returns.
// Errors carry a machine-readable Code and a user-safe Message; the wrapped
// Err is logged internally and never serialized to a caller.
package sarkerr

import (
	"errors"
	"fmt"
)

// Code identifies the class of failure, used by the façade to pick an
// HTTP status and by callers to branch on outcome without string matching.
type Code string

const (
	InvalidCredential  Code = "invalid_credential"
	InsufficientScope  Code = "insufficient_scope"
	Forbidden          Code = "forbidden"
	TokenInvalid       Code = "token_invalid"
	TokenExpired       Code = "token_expired"
	SessionCompromised Code = "session_compromised"
	RateLimited        Code = "rate_limited"
	UpstreamUnavailable Code = "upstream_unavailable"
	ConfigurationError Code = "configuration_error"
	InvalidInput       Code = "invalid_input"
	CircuitOpen        Code = "circuit_open"
	TooManyAttempts    Code = "too_many_attempts"
)

// Error is the uniform error type returned across SARK's core subsystems.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error carrying an internal cause that is never
// surfaced to the caller via Message.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, returning
// ok=false otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
