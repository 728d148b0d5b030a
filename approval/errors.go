package approval

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Match them with errors.Is.
var (
	// ErrPolicyEvaluation indicates a malformed payload kept the evaluator from deciding.
	ErrPolicyEvaluation = errors.New("policy evaluation error")

	// ErrPersistence indicates the store failed while recording a submission.
	ErrPersistence = errors.New("approval persistence failure")

	// ErrNotFound indicates an unknown request or escalation id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates the current status has no edge to the target.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnauthorizedReviewer indicates the actor may not transition the request.
	ErrUnauthorizedReviewer = errors.New("unauthorized reviewer")

	// ErrDuplicatePending indicates a PENDING request with the same fingerprint exists.
	ErrDuplicatePending = errors.New("duplicate pending request")

	// ErrInvalidPayload indicates RequestData could not be decoded for its action type.
	ErrInvalidPayload = errors.New("invalid payload")
)

// PolicyError describes why the evaluator could not decide.
type PolicyError struct {
	Action ActionType
	Field  string
	Reason string
}

func (e *PolicyError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("policy evaluation for %s: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("policy evaluation for %s: field %q %s", e.Action, e.Field, e.Reason)
}

func (e *PolicyError) Unwrap() error {
	return ErrPolicyEvaluation
}

// PersistenceError wraps a store failure during submission.
// It matches both ErrPersistence and the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("approval persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	ID      string
	Current Status
	Target  Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for request %s: %s -> %s", e.ID, e.Current, e.Target)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// EscalationTransitionError describes a rejected escalation status change.
type EscalationTransitionError struct {
	ID      string
	Current EscalationStatus
	Target  EscalationStatus
}

func (e *EscalationTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for escalation %s: %s -> %s", e.ID, e.Current, e.Target)
}

func (e *EscalationTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// DuplicatePendingError carries the request that already holds the fingerprint.
type DuplicatePendingError struct {
	Existing Request
}

func (e *DuplicatePendingError) Error() string {
	return fmt.Sprintf("duplicate pending request: %s already pending", e.Existing.ID)
}

func (e *DuplicatePendingError) Unwrap() error {
	return ErrDuplicatePending
}
