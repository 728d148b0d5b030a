// Package audit provides the append-only trail recorded for every submission,
// decision and deferred execution handled by the engine.
package audit

import (
	"encoding/json"
	"time"
)

// EntryType classifies audit entries.
type EntryType string

const (
	// Submission entries
	EntrySubmitted    EntryType = "approval.submitted"
	EntryAutoApproved EntryType = "action.auto_approved"

	// Decision entries
	EntryApproved  EntryType = "approval.approved"
	EntryRejected  EntryType = "approval.rejected"
	EntryEscalated EntryType = "approval.escalated"
	EntryCancelled EntryType = "approval.cancelled"
	EntryExpired   EntryType = "approval.expired"

	// Escalation record entries
	EntryEscalationOpened  EntryType = "escalation.opened"
	EntryEscalationUpdated EntryType = "escalation.updated"

	// Deferred execution entries
	EntryExecutionStarted EntryType = "action.execution_started"
	EntryExecuted         EntryType = "action.executed"
	EntryExecutionFailed  EntryType = "action.execution_failed"
)

// Metadata keys used for entity correlation.
const (
	MetaTenantID   = "tenant_id"
	MetaEntityType = "entity_type"
	MetaEntityID   = "entity_id"
	MetaActionType = "action_type"
)

// Entry is a single record in a stream's audit trail.
// A stream is an approval request id, an escalation id, or the id minted for
// an action that executed without review.
type Entry struct {
	// ID is the unique identifier for this entry (UUID).
	ID string `json:"id"`

	// StreamID identifies the trail this entry belongs to.
	StreamID string `json:"stream_id"`

	// Sequence provides strict ordering within a stream (1, 2, 3, ...).
	// Sequences are gapless and monotonically increasing.
	Sequence int64 `json:"sequence"`

	// Version is the schema version for forward compatibility.
	Version int `json:"version"`

	Type EntryType `json:"type"`

	// ActorID is the user whose call produced the entry.
	// "system" for background jobs.
	ActorID string `json:"actor_id"`

	// Data contains the type-specific payload.
	Data json.RawMessage `json:"data,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// SystemActor is the ActorID recorded for entries written by background jobs.
const SystemActor = "system"
