// Package orcherr defines the orchestrator's error taxonomy: a closed set of failure
// kinds carried on a typed error, routed by callers instead of relying on
// exception-style control flow.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is one of the eight failure classes.
type Kind string

const (
	// KindTransient covers process spawn timeouts, VCS transient errors, and
	// database deadlocks. Retried in place up to N, counted against retryCount.
	KindTransient Kind = "transient"
	// KindProvider covers an LLM response with stderr/non-zero exit or an
	// Error:/Fatal: prefix. Releases the task and schedules a backoff retry.
	KindProvider Kind = "provider"
	// KindQualityGate covers a failed lint/type/test hook. Same policy as
	// Provider, but escalates faster (level 2 after maxRetry).
	KindQualityGate Kind = "quality_gate"
	// KindParseError covers unparseable Distributor/Reviewer/Goal-Decomposer
	// LLM JSON output. Escalates immediately at level 2, kind quality.
	KindParseError Kind = "parse_error"
	// KindDependencyCycle covers a Distributor-proposed cyclic subtask graph.
	// The decomposition is rejected and escalated.
	KindDependencyCycle Kind = "dependency_cycle"
	// KindDepthExceeded covers a Delegator asked to spawn at depth >= 1.
	// Delegation is refused; the task is processed sequentially instead.
	KindDepthExceeded Kind = "depth_exceeded"
	// KindBudgetExceeded covers a pre-call cost estimate that would cross
	// stopPercent. No component in this module raises it, and nothing
	// switches autonomous execution off in response to it.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindFatal covers an invariant violation or unusable input (a
	// non-positive timeout, a team_epic without a team or manager). The
	// operation that returns it stops there; no code marks the task failed
	// because of it.
	KindFatal Kind = "fatal"
)

// Error is the typed error value every component returns for a recognized
// failure. Callers switch on Kind to route business logic; they should never
// need to inspect the wrapped error's concrete type.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "pool.pullNextTask"
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var oe *Error
	if !errors.As(err, &oe) {
		return false
	}
	return oe.Kind == kind
}
