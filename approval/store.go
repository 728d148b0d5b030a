package approval

import (
	"context"
	"time"
)

// Transition describes a compare-and-set status change.
// The store applies it only if the request's current status equals From.
type Transition struct {
	ID           string
	From         Status
	To           Status
	ReviewerID   string
	ReviewerRole Role
	Notes        string
	At           time.Time

	// Escalation, when non-nil, is created in the same atomic unit and linked
	// to the request through EscalationID.
	Escalation *Escalation
}

// PendingFilter selects PENDING requests. Zero values mean "no filter".
type PendingFilter struct {
	TenantID           string
	Floor              string
	ActionTypes        []ActionType
	ExcludeRequesterID string

	// CreatedBefore restricts results to requests older than the given instant.
	CreatedBefore time.Time

	// Limit caps the number of results (0 means no limit).
	Limit int

	// Offset skips the first N results (for pagination).
	Offset int
}

// EscalationFilter selects escalations. Zero values mean "no filter".
type EscalationFilter struct {
	TenantID          string
	Status            EscalationStatus
	AssigneeRole      Role
	ApprovalRequestID string
	Limit             int
	Offset            int
}

// EscalationUpdate describes a compare-and-set escalation status change.
type EscalationUpdate struct {
	ID      string
	From    EscalationStatus
	To      EscalationStatus
	ActorID string
	Notes   string
	At      time.Time
}

// RequestStore persists approval requests.
// Implementations must be safe for concurrent use.
type RequestStore interface {
	// Create inserts a new request.
	// Returns a *DuplicatePendingError if a PENDING request with the same
	// tenant and non-empty fingerprint already exists.
	Create(ctx context.Context, req Request) error

	// Get loads a request by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (Request, error)

	// Transition applies t atomically and returns the updated request.
	// Returns ErrNotFound if the id is unknown and a *TransitionError if the
	// current status no longer equals t.From.
	Transition(ctx context.Context, t Transition) (Request, error)

	// ListPending returns PENDING requests oldest first.
	ListPending(ctx context.Context, filter PendingFilter) ([]Request, error)
}

// EscalationStore persists escalation records.
// Implementations must be safe for concurrent use.
type EscalationStore interface {
	// CreateEscalation inserts a standalone escalation.
	CreateEscalation(ctx context.Context, e Escalation) error

	// GetEscalation loads an escalation by id. Returns ErrNotFound if absent.
	GetEscalation(ctx context.Context, id string) (Escalation, error)

	// UpdateEscalation applies u if the current status still equals u.From.
	// Returns an *EscalationTransitionError otherwise.
	UpdateEscalation(ctx context.Context, u EscalationUpdate) (Escalation, error)

	// ListEscalations returns escalations newest first.
	ListEscalations(ctx context.Context, filter EscalationFilter) ([]Escalation, error)
}

// Store is the persistence collaborator of the engine.
type Store interface {
	RequestStore
	EscalationStore
}

// NoticeKind classifies reviewer-facing notifications.
type NoticeKind string

const (
	NoticeSubmitted         NoticeKind = "submitted"
	NoticeApproved          NoticeKind = "approved"
	NoticeRejected          NoticeKind = "rejected"
	NoticeEscalated         NoticeKind = "escalated"
	NoticeCancelled         NoticeKind = "cancelled"
	NoticeEscalationUpdated NoticeKind = "escalation_updated"
)

// Notice is handed to the notification collaborator after a state change
// has been committed.
type Notice struct {
	Kind         NoticeKind `json:"kind"`
	TenantID     string     `json:"tenant_id"`
	RequestID    string     `json:"request_id,omitempty"`
	EscalationID string     `json:"escalation_id,omitempty"`
	ActionType   ActionType `json:"action_type,omitempty"`
	Priority     Priority   `json:"priority,omitempty"`
	ActorID      string     `json:"actor_id"`
}

// Notifier delivers notices. Delivery failures never undo a committed change.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// NopNotifier discards every notice.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notice) error { return nil }
