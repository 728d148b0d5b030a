// Package project provides pure projection functions that turn a request's
// audit trail into reviewer-facing structures.
//
// All functions in this package are pure: they take []audit.Entry as input
// and return derived structures. They do not perform I/O or have side effects.
package project

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/lirancohen/loupe/audit"
)

// Status is the projected state of a request stream.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusPending      Status = "pending"
	StatusAutoApproved Status = "auto_approved"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusEscalated    Status = "escalated"
	StatusCancelled    Status = "cancelled"
	StatusExpired      Status = "expired"
	StatusExecuted     Status = "executed"
)

// StatusResult contains the projected status of one request.
type StatusResult struct {
	ActionType   string
	Status       Status
	Priority     string
	RequesterID  string
	SubmittedAt  *time.Time
	ResolvedAt   *time.Time
	DurationMs   *int64
	ReviewerID   string
	Notes        string
	EscalationID string

	// Resubmissions counts duplicate submissions folded into this request.
	Resubmissions int

	// ExecutedAt is set once the deferred mutation ran.
	ExecutedAt *time.Time

	// LastExecutionError is the most recent failed execution attempt, cleared
	// by a later success.
	LastExecutionError *string
}

// RequestStatus projects the current status from a request's trail.
// Returns unknown if there are no entries.
func RequestStatus(entries []audit.Entry) StatusResult {
	if len(entries) == 0 {
		return StatusResult{Status: StatusUnknown}
	}

	result := StatusResult{Status: StatusPending}

	for _, e := range entries {
		switch e.Type {
		case audit.EntrySubmitted:
			var data audit.SubmittedData
			_ = json.Unmarshal(e.Data, &data)
			if data.Deduplicated {
				result.Resubmissions++
				continue
			}
			result.ActionType = data.ActionType
			result.Priority = data.Priority
			result.RequesterID = e.ActorID
			ts := e.Timestamp
			result.SubmittedAt = &ts

		case audit.EntryAutoApproved:
			var data audit.AutoApprovedData
			_ = json.Unmarshal(e.Data, &data)
			result.ActionType = data.ActionType
			result.RequesterID = e.ActorID
			result.Status = StatusAutoApproved
			ts := e.Timestamp
			result.SubmittedAt = &ts
			result.ExecutedAt = &ts

		case audit.EntryApproved, audit.EntryRejected, audit.EntryCancelled, audit.EntryExpired:
			var data audit.DecisionData
			_ = json.Unmarshal(e.Data, &data)
			result.Status = decisionStatus(e.Type)
			result.ReviewerID = e.ActorID
			result.Notes = data.Notes
			resolve(&result, e.Timestamp)

		case audit.EntryEscalated:
			var data audit.EscalatedData
			_ = json.Unmarshal(e.Data, &data)
			result.Status = StatusEscalated
			result.ReviewerID = e.ActorID
			result.Notes = data.Notes
			result.EscalationID = data.EscalationID
			resolve(&result, e.Timestamp)

		case audit.EntryExecuted:
			result.Status = StatusExecuted
			ts := e.Timestamp
			result.ExecutedAt = &ts
			result.LastExecutionError = nil

		case audit.EntryExecutionFailed:
			var data audit.ExecutionFailedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				result.LastExecutionError = &data.Error
			}
		}
	}

	return result
}

func decisionStatus(t audit.EntryType) Status {
	switch t {
	case audit.EntryApproved:
		return StatusApproved
	case audit.EntryRejected:
		return StatusRejected
	case audit.EntryCancelled:
		return StatusCancelled
	default:
		return StatusExpired
	}
}

func resolve(r *StatusResult, at time.Time) {
	ts := at
	r.ResolvedAt = &ts
	r.DurationMs = calcDuration(r.SubmittedAt, &ts)
}

func calcDuration(start, end *time.Time) *int64 {
	if start == nil || end == nil {
		return nil
	}
	ms := end.Sub(*start).Milliseconds()
	return &ms
}

// ExecutionStatus is the outcome of one execution attempt.
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionAttempt is one try at running an approved request's mutation.
type ExecutionAttempt struct {
	Attempt    int
	Status     ExecutionStatus
	At         time.Time
	EntityType string
	EntityID   string
	Error      *string
}

// ExecutionAttempts projects the deferred-execution history of a request in
// trail order. An outcome takes the attempt number of the claim before it;
// without one it follows the last attempt. Claims still running are not
// attempts yet.
func ExecutionAttempts(entries []audit.Entry) []ExecutionAttempt {
	var result []ExecutionAttempt
	last, claimed := 0, 0

	for _, e := range entries {
		switch e.Type {
		case audit.EntryExecutionStarted:
			var data audit.ExecutionStartedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				claimed = data.Attempt
			}

		case audit.EntryExecutionFailed:
			var data audit.ExecutionFailedData
			if err := json.Unmarshal(e.Data, &data); err != nil {
				continue
			}
			if data.Attempt == 0 {
				data.Attempt = claimed
			}
			if data.Attempt == 0 {
				data.Attempt = last + 1
			}
			last, claimed = data.Attempt, 0
			result = append(result, ExecutionAttempt{
				Attempt: data.Attempt,
				Status:  ExecutionFailed,
				At:      e.Timestamp,
				Error:   &data.Error,
			})

		case audit.EntryExecuted:
			var data audit.ExecutedData
			_ = json.Unmarshal(e.Data, &data)
			if claimed > 0 {
				last = claimed
			} else {
				last++
			}
			claimed = 0
			result = append(result, ExecutionAttempt{
				Attempt:    last,
				Status:     ExecutionSucceeded,
				At:         e.Timestamp,
				EntityType: data.EntityType,
				EntityID:   data.EntityID,
			})
		}
	}

	return result
}

// TimelineEntry is a single line of a request's history.
type TimelineEntry struct {
	Timestamp time.Time
	Type      audit.EntryType
	ActorID   string
	Message   string
	Notes     string
	Error     *string
	Metadata  map[string]string
}

// Timeline projects a chronological, human-readable history of a request
// or escalation stream. Returns entries in trail order (oldest first).
func Timeline(entries []audit.Entry) []TimelineEntry {
	var result []TimelineEntry

	for _, e := range entries {
		entry := TimelineEntry{Timestamp: e.Timestamp, Type: e.Type, ActorID: e.ActorID}

		switch e.Type {
		case audit.EntrySubmitted:
			var data audit.SubmittedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = data.ActionType + " submitted for review at " + data.Priority + " priority"
			if data.Deduplicated {
				entry.Message = data.ActionType + " resubmitted while still pending"
			}

		case audit.EntryAutoApproved:
			var data audit.AutoApprovedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = data.ActionType + " ran without review"

		case audit.EntryApproved, audit.EntryRejected, audit.EntryCancelled:
			var data audit.DecisionData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Request " + string(decisionStatus(e.Type)) + " by " + e.ActorID
			entry.Notes = data.Notes

		case audit.EntryExpired:
			var data audit.DecisionData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Request expired and moved to " + data.To
			entry.Notes = data.Notes

		case audit.EntryEscalated:
			var data audit.EscalatedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Request escalated to " + data.AssigneeRole
			entry.Notes = data.Notes
			entry.Metadata = map[string]string{"escalation_id": data.EscalationID}

		case audit.EntryEscalationOpened:
			var data audit.EscalationOpenedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Escalation opened: " + data.Title
			if data.ApprovalRequestID != "" {
				entry.Metadata = map[string]string{"approval_request_id": data.ApprovalRequestID}
			}

		case audit.EntryEscalationUpdated:
			var data audit.EscalationUpdatedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Escalation moved from " + data.From + " to " + data.To
			entry.Notes = data.Notes

		case audit.EntryExecutionStarted:
			var data audit.ExecutionStartedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Applying approved change (attempt " + strconv.Itoa(data.Attempt) + ")"

		case audit.EntryExecuted:
			var data audit.ExecutedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Approved change applied to " + data.EntityType + " " + data.EntityID

		case audit.EntryExecutionFailed:
			var data audit.ExecutionFailedData
			_ = json.Unmarshal(e.Data, &data)
			entry.Message = "Applying approved change failed (attempt " + strconv.Itoa(data.Attempt) + ")"
			entry.Error = &data.Error

		default:
			continue
		}

		result = append(result, entry)
	}

	return result
}

// Trail bundles the projections a reviewer screen shows for one request.
type Trail struct {
	StreamID   string
	Status     StatusResult
	Timeline   []TimelineEntry
	Executions []ExecutionAttempt
}

// BuildTrail applies every projection to entries.
func BuildTrail(streamID string, entries []audit.Entry) Trail {
	return Trail{
		StreamID:   streamID,
		Status:     RequestStatus(entries),
		Timeline:   Timeline(entries),
		Executions: ExecutionAttempts(entries),
	}
}
