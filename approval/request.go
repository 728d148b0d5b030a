package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Request is a deferred CRM action awaiting a reviewer decision.
// RequestData holds the submitted payload bytes verbatim and is never rewritten.
type Request struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	ActionType ActionType `json:"actionType"`

	// Requester snapshot taken at submission time.
	RequesterID    string `json:"requesterId"`
	RequesterRole  Role   `json:"requesterRole"`
	RequesterFloor string `json:"requesterFloor,omitempty"`

	RequestData json.RawMessage `json:"requestData"`

	// Fingerprint identifies the logical action for duplicate detection.
	Fingerprint string `json:"fingerprint"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	RequesterNotes string `json:"requesterNotes,omitempty"`
	ApprovalNotes  string `json:"approvalNotes,omitempty"`
	ReviewerID     string `json:"reviewerId,omitempty"`
	ReviewerRole   Role   `json:"reviewerRole,omitempty"`
	EscalationID   string `json:"escalationId,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Requester returns the requester snapshot as an Actor.
func (r Request) Requester() Actor {
	return Actor{
		UserID:   r.RequesterID,
		TenantID: r.TenantID,
		Role:     r.RequesterRole,
		Floor:    r.RequesterFloor,
	}
}

// Payload decodes RequestData into its typed variant.
func (r Request) Payload() (Payload, error) {
	return DecodePayload(r.ActionType, r.RequestData)
}

// Clone returns a copy that shares no mutable memory with r.
func (r Request) Clone() Request {
	c := r
	if r.RequestData != nil {
		c.RequestData = append(json.RawMessage(nil), r.RequestData...)
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

// Fingerprint derives the duplicate-detection key of a submission.
// Two submissions of the same raw payload by the same requester for the same
// action share a fingerprint.
func Fingerprint(tenantID string, action ActionType, requesterID string, data []byte) string {
	h := sha256.New()
	for _, part := range []string{tenantID, string(action), requesterID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EscalationStatus is the lifecycle state of an escalation.
type EscalationStatus string

const (
	EscalationOpen       EscalationStatus = "OPEN"
	EscalationInProgress EscalationStatus = "IN_PROGRESS"
	EscalationResolved   EscalationStatus = "RESOLVED"
	EscalationClosed     EscalationStatus = "CLOSED"
)

var escalationTransitions = map[EscalationStatus][]EscalationStatus{
	EscalationOpen:       {EscalationInProgress, EscalationResolved, EscalationClosed},
	EscalationInProgress: {EscalationResolved, EscalationClosed},
	EscalationResolved:   {EscalationClosed},
}

// CanTransitionTo reports whether an escalation may move from s to target.
func (s EscalationStatus) CanTransitionTo(target EscalationStatus) bool {
	for _, valid := range escalationTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is CLOSED.
func (s EscalationStatus) IsTerminal() bool {
	return len(escalationTransitions[s]) == 0
}

// ParseEscalationStatus converts a stored escalation status string.
func ParseEscalationStatus(s string) (EscalationStatus, bool) {
	switch st := EscalationStatus(s); st {
	case EscalationOpen, EscalationInProgress, EscalationResolved, EscalationClosed:
		return st, true
	default:
		return st, false
	}
}

// Escalation is a higher-visibility issue, either opened directly or produced
// by escalating an approval request.
type Escalation struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Priority    Priority         `json:"priority"`
	Status      EscalationStatus `json:"status"`

	RequesterID    string `json:"requesterId"`
	RequesterRole  Role   `json:"requesterRole"`
	RequesterFloor string `json:"requesterFloor,omitempty"`

	// ApprovalRequestID links the escalation to the request it came from.
	// Empty for directly opened escalations.
	ApprovalRequestID string          `json:"approvalRequestId,omitempty"`
	Summary           json.RawMessage `json:"summary,omitempty"`
	AssigneeRole      Role            `json:"assigneeRole"`

	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
}

// Clone returns a copy that shares no mutable memory with e.
func (e Escalation) Clone() Escalation {
	c := e
	if e.Summary != nil {
		c.Summary = append(json.RawMessage(nil), e.Summary...)
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}
