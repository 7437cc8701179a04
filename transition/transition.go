// Package transition carries the error taxonomy shared by every guarded
// state transition in the engagement core. Services return these types so the
// gateway can report the exact blocking condition to the caller instead of a
// generic failure.
package transition

import (
	"errors"
	"fmt"
)

// PreconditionError signals a guard failed for a reason other than "already
// applied": wrong actor, wrong prior state, or a missing sibling flag. It is
// surfaced to the caller verbatim and must not be retried automatically.
type PreconditionError struct {
	Transition string
	Reason     string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("transition %s blocked: %s", e.Transition, e.Reason)
}

// Preconditionf builds a PreconditionError with a formatted reason.
func Preconditionf(transition, format string, args ...any) *PreconditionError {
	return &PreconditionError{Transition: transition, Reason: fmt.Sprintf(format, args...)}
}

// AsPrecondition unwraps err into a PreconditionError if it is one.
func AsPrecondition(err error) (*PreconditionError, bool) {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrConflictRetryExhausted is returned when optimistic-concurrency retries
// were exceeded under contention on one row. Transient; safe to retry.
var ErrConflictRetryExhausted = errors.New("transition: concurrent update retries exhausted")

// DownstreamError wraps a failure of an external dependency (escrow gateway,
// media store) that a transition depends on. The transition is rolled back
// and the caller may retry once the dependency recovers.
type DownstreamError struct {
	Dependency string
	Err        error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("transition: %s unavailable: %v", e.Dependency, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

// AsDownstream unwraps err into a DownstreamError if it is one.
func AsDownstream(err error) (*DownstreamError, bool) {
	var de *DownstreamError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
