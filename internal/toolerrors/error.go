// Package toolerrors provides the closed taxonomy of typed failures produced
// by the orchestration core. Every failure surfaced to the sandbox or to the
// audit log is a *Error carrying a Kind, a sanitized message, and an optional
// chained Cause so errors.Is/As keep working across wrapping.
package toolerrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the taxonomy from the orchestrator error handling design.
// The set is closed: callers switch on Kind rather than matching strings.
type Kind string

const (
	KindValidationFailed   Kind = "validation-failed"
	KindToolNotPermitted   Kind = "tool-not-permitted"
	KindSchemaUnavailable  Kind = "schema-unavailable"
	KindRateLimited        Kind = "rate-limited"
	KindQueueFull          Kind = "queue-full"
	KindQueueTimeout       Kind = "queue-timeout"
	KindCircuitOpen        Kind = "circuit-open"
	KindDownstreamFailure  Kind = "downstream-failure"
	KindSandboxTimeout     Kind = "sandbox-timeout"
	KindSandboxCrash       Kind = "sandbox-crash"
	KindAuthFailure        Kind = "auth-failure"
	KindShutdown           Kind = "shutdown"
	KindInternal           Kind = "internal-error"
)

// Error is the structured failure type returned across the bridge and
// recorded to the audit log. Message must never contain bearer tokens, raw
// environment, argument payloads, or paths outside the permitted set; callers
// are responsible for sanitizing before constructing an Error (see
// internal/pathutil for path containment helpers used to keep that promise).
type Error struct {
	Kind    Kind
	Message string
	// Path is the JSON-Pointer path of the offending fragment, set for
	// KindValidationFailed.
	Path string
	// ResetInMS is the time in milliseconds until a client may retry, set
	// for KindRateLimited.
	ResetInMS int64
	// Cause chains to the underlying error, preserved for errors.Is/As.
	Cause error
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/As through the Cause chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind. This lets
// callers write errors.Is(err, toolerrors.New(toolerrors.KindCircuitOpen, ""))
// to classify failures without inspecting Message.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Kind == te.Kind
}

// As returns the *Error that err is (or wraps), and whether one was found.
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal if err is not a *Error.
func KindOf(err error) Kind {
	if te, ok := As(err); ok {
		return te.Kind
	}
	return KindInternal
}
