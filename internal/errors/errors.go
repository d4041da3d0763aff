// Package errors defines the coordinator's error taxonomy.
//
// Callers branch on the semantic types rather than on messages:
//
//	var verr *errors.ValidationError
//	if errors.As(err, &verr) { ... }      // malformed input, state untouched
//
//	if errors.Is(err, errors.ErrNotOwner) { ... }
//
// Contention (queued lock requests, blocked task starts) is not an error and
// is reported through result values instead.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Validation sentinels.
var (
	ErrMalformedResource = New("malformed resource key")
	ErrUnknownLockType   = New("unknown lock type")
	ErrUnknownLockLevel  = New("unknown lock level")
	ErrUnknownStrategy   = New("unknown conflict strategy")
	ErrDependencyCycle   = New("dependency cycle detected")
	ErrDuplicateID       = New("id already exists")
	ErrInvalidArgument   = New("invalid argument")
)

// Lookup and ownership sentinels.
var (
	ErrLockNotFound     = New("lock not found")
	ErrNotOwner         = New("lock is owned by another agent")
	ErrLockExpired      = New("lock expired")
	ErrLockNotActive    = New("lock is not active")
	ErrLockNotWaiting   = New("lock is not waiting")
	ErrAgentNotFound    = New("agent not found")
	ErrTaskNotFound     = New("task not found")
	ErrConflictNotFound = New("conflict not found")
)

// Coordination sentinels.
var (
	ErrInvalidTransition = New("invalid state transition")
	ErrAgentUnavailable  = New("agent unavailable")
	ErrAgentBusy         = New("agent is not idle")
	ErrMissingCapability = New("agent lacks required capability")
	ErrConflictResolved  = New("conflict already resolved")
)

// ValidationError reports malformed input. Operations returning it never
// mutate state.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

// NewValidationError creates a ValidationError wrapping a sentinel.
func NewValidationError(field, value string, err error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Err: err}
}

// WithReason attaches a human readable detail.
func (e *ValidationError) WithReason(format string, args ...any) *ValidationError {
	e.Reason = fmt.Sprintf(format, args...)
	return e
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid %s", e.Field)
	if e.Value != "" {
		fmt.Fprintf(&b, " %q", e.Value)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// OwnershipError reports a release, renew or cancel on a lock the caller does
// not own or that does not exist.
type OwnershipError struct {
	Op      string
	LockID  string
	AgentID string
	Owner   string
	Err     error
}

// NewOwnershipError creates an OwnershipError.
func NewOwnershipError(op, lockID, agentID string, err error) *OwnershipError {
	return &OwnershipError{Op: op, LockID: lockID, AgentID: agentID, Err: err}
}

func (e *OwnershipError) Error() string {
	msg := fmt.Sprintf("%s lock %s by %s: %v", e.Op, e.LockID, e.AgentID, e.Err)
	if e.Owner != "" {
		msg += " (owner " + e.Owner + ")"
	}
	return msg
}

func (e *OwnershipError) Unwrap() error { return e.Err }

// StaleStateError describes a forced reclamation of an agent's locks. It is
// logged, never returned to the caller that triggered it.
type StaleStateError struct {
	AgentID string
	LockIDs []string
	Reason  string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("agent %s %s: reclaimed %d lock(s)", e.AgentID, e.Reason, len(e.LockIDs))
}

// ConflictEscalation is surfaced when a negotiated conflict received no
// decision within its bound. The conflict stays open.
type ConflictEscalation struct {
	ConflictID string
	Since      time.Time
	Waited     time.Duration
}

func (e *ConflictEscalation) Error() string {
	return fmt.Sprintf("conflict %s unresolved after %s", e.ConflictID, e.Waited.Round(time.Second))
}

// TransitionError reports a disallowed task state change.
type TransitionError struct {
	TaskID string
	From   string
	To     string
}

// NewTransitionError creates a TransitionError.
func NewTransitionError(taskID, from, to string) *TransitionError {
	return &TransitionError{TaskID: taskID, From: from, To: to}
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// RejectedError reports an assignment refused because of a candidate agent.
type RejectedError struct {
	TaskID  string
	AgentID string
	Detail  string
	Err     error
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("assign task %s to %s: %v", e.TaskID, e.AgentID, e.Err)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return As(err, &v)
}

// IsOwnership reports whether err is, or wraps, an OwnershipError.
func IsOwnership(err error) bool {
	var o *OwnershipError
	return As(err, &o)
}

// IsNotFound reports whether err denotes a missing entity.
func IsNotFound(err error) bool {
	return Is(err, ErrLockNotFound) || Is(err, ErrAgentNotFound) ||
		Is(err, ErrTaskNotFound) || Is(err, ErrConflictNotFound)
}
