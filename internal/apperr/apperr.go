// Package apperr defines the error taxonomy shared by every agentwatch
// component: registry, router, broadcaster, retention worker, and the HTTP
// transport. Only the outermost HTTP handler ever maps a Code to a status
// line; everything below this package returns plain error values that wrap
// an *Error via errors.As.
package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes an error for transport-layer mapping and for metrics
// labeling: Validation, NotFound, InvalidTransition, Transient,
// SlowConsumer, Fatal.
type Code string

const (
	// Validation indicates a malformed envelope or bad enum value. Never
	// mutates state; mapped to HTTP 400.
	Validation Code = "validation"
	// NotFound indicates a read against a missing agent. Writes use
	// implicit registration instead of surfacing this code.
	NotFound Code = "not_found"
	// InvalidTransition indicates the status state machine rejected a
	// requested transition. Mapped to HTTP 400 from explicit status-change
	// endpoints; silently ignored for router-driven auto-transitions.
	InvalidTransition Code = "invalid_transition"
	// Transient indicates a Store backend failure or timeout. In-memory
	// state remains authoritative; mapped to HTTP 503.
	Transient Code = "transient"
	// SlowConsumer indicates a subscriber queue overflow, handled entirely
	// within the broadcaster via drop-and-disconnect; never propagated to
	// the router or returned from an HTTP handler.
	SlowConsumer Code = "slow_consumer"
	// Fatal indicates an unrecoverable internal invariant violation. A
	// crash is preferred over silent corruption.
	Fatal Code = "fatal"
)

// Error is the concrete error type carrying a Code, a human-readable
// message, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error with the given code and message, wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the Code carried by err, or Fatal if err does not wrap an
// *Error (an unclassified error is treated as the worst case).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Fatal
}
