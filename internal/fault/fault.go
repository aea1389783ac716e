// Package fault defines the error taxonomy shared by every forge component.
// Components return typed failures upward; the director and the CLI map them
// to operator-visible outcomes without inspecting error strings.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. Each kind maps to exactly one operator-visible
// signal, so components must pick the closest kind rather than inventing
// new strings.
type Kind string

const (
	NotFound             Kind = "not_found"             // manifest or cluster absent
	InvalidInput         Kind = "invalid_input"         // schema mismatch or malformed manifest
	InvariantViolation   Kind = "invariant_violation"   // identity/lineage/trust rule broken
	InsufficientEvidence Kind = "insufficient_evidence" // scoring cannot run
	ServerUnavailable    Kind = "server_unavailable"    // capability server cannot reach ready
	Timeout              Kind = "timeout"               // deadline exceeded
	ValidationFailed     Kind = "validation_failed"     // a required validation stage failed
	Busy                 Kind = "busy"                  // concurrency bound exceeded
	Cancelled            Kind = "cancelled"             // task or call was cancelled
	Internal             Kind = "internal"              // unexpected state
)

// Error is a typed failure with an operation name for context.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed failure with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error. A nil err
// returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain. Context errors map to their
// taxonomy kinds; anything untyped is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FromContext converts a context error into its taxonomy equivalent.
// Non-context errors pass through unchanged.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Cancelled, Op: op, Err: err}
	}
	return err
}
