// Package apperr defines the error taxonomy of spec §7 as a kind-tagged error type,
// generalized from the teacher's processor.StatusError (a three-state
// Success/Warning/Failure status wrapper) into the fuller set of kinds the dispatch
// engine needs to reason about retry/ack behavior.
package apperr

import "fmt"

// Kind is one of the error kinds from spec §7. It is a classification, not a Go
// type hierarchy — callers switch on Kind rather than type-asserting concrete types.
type Kind string

const (
	NotFound          Kind = "not_found"
	InvalidTransition Kind = "invalid_transition"
	AlreadyTerminal   Kind = "already_terminal"
	Conflict          Kind = "conflict"
	Validation        Kind = "validation"
	Timeout           Kind = "timeout"
	Cancelled         Kind = "cancelled"
	Unavailable       Kind = "unavailable"
	Internal          Kind = "internal"
)

// Error wraps an underlying cause with a Kind so callers can decide retry/ack
// behavior without string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting to
// Internal for anything else — mirroring the teacher's
// processor.GetErrorStatus default-to-Failure behavior.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if asError(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRetryable reports whether the recovery engine should treat this kind as
// something a later pass can fix, per spec §7's per-kind recovery strategy table.
func IsRetryable(kind Kind) bool {
	switch kind {
	case Timeout, Unavailable:
		return true
	default:
		return false
	}
}
