// Package fault defines the error taxonomy shared by the ingestion router,
// the pipeline stages and the completion flow. Stage handlers classify
// failures with these codes, persist structured state and return results;
// only genuinely unexpected failures cross the worker boundary.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

const (
	// NotFound: the unit of work is absent under the runtime filter.
	// Terminal, reported up, never an uncaught failure.
	NotFound Code = "not_found"
	// InvalidInput: rejected before any side effect.
	InvalidInput Code = "invalid_input"
	// RetryableUpstream: quota/rate-limit shaped errors from the generation
	// service. Backoff and bounded retry.
	RetryableUpstream Code = "retryable_upstream"
	// TerminalConfig: missing credentials or configuration. Persisted, not
	// retried.
	TerminalConfig Code = "terminal_config"
	// TransportUnavailable: a required queue or transport is absent for this
	// deployment. Degrade to reporting, not a crash.
	TransportUnavailable Code = "transport_unavailable"
	// AccessDenied: owner/session mismatch. Rejected and logged, no data
	// exposed.
	AccessDenied Code = "access_denied"
)

// Error carries a taxonomy code, a short machine reason for audit records
// and a wrapped cause.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf extracts the taxonomy code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
