package wire

import (
	"context"
	"errors"
	"fmt"
)

// Error is a failure tagged with an ErrorKind.
type Error struct {
	Kind ErrorKind

	// Message is a human-readable description.
	Message string

	// TrackingID correlates the failure with hub-side diagnostics.
	TrackingID string

	// Err is the underlying cause, if any.
	Err error
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError tags err with kind. A nil err yields nil.
func WrapError(kind ErrorKind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so that
// errors.Is(err, wire.NewError(wire.KindTimeout, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the ErrorKind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Class groups error kinds by how the retry stage reacts to them.
type Class uint8

const (
	// ClassNonRetryable errors propagate immediately with no status change.
	ClassNonRetryable Class = iota

	// ClassTransient errors are retried under the active policy.
	ClassTransient

	// ClassTerminal errors propagate and force a Disconnected status.
	ClassTerminal

	// ClassCanceled marks caller cancellation. It takes precedence over all others.
	ClassCanceled
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassNonRetryable:
		return "NON_RETRYABLE"
	case ClassTransient:
		return "TRANSIENT"
	case ClassTerminal:
		return "TERMINAL"
	case ClassCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Classify returns the class of err. Errors that carry no ErrorKind are
// non-retryable.
func Classify(err error) Class {
	if err == nil {
		return ClassNonRetryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCanceled
	}
	kind := KindOf(err)
	switch {
	case kind.IsTerminal():
		return ClassTerminal
	case kind.IsTransient():
		return ClassTransient
	default:
		return ClassNonRetryable
	}
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
