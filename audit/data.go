package audit

import "encoding/json"

// SubmittedData is the payload for approval.submitted entries.
type SubmittedData struct {
	ActionType    string   `json:"action_type"`
	Priority      string   `json:"priority"`
	RequesterRole string   `json:"requester_role"`
	Reasons       []string `json:"reasons,omitempty"`
	Deduplicated  bool     `json:"deduplicated,omitempty"`
}

// AutoApprovedData is the payload for action.auto_approved entries.
type AutoApprovedData struct {
	ActionType string          `json:"action_type"`
	Reasons    []string        `json:"reasons,omitempty"`
	Input      json.RawMessage `json:"input"`
}

// DecisionData is the payload for approved, rejected, cancelled and expired entries.
type DecisionData struct {
	From         string `json:"from"`
	To           string `json:"to"`
	ReviewerRole string `json:"reviewer_role,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// EscalatedData is the payload for approval.escalated entries.
type EscalatedData struct {
	DecisionData
	EscalationID string `json:"escalation_id"`
	AssigneeRole string `json:"assignee_role"`
}

// EscalationOpenedData is the payload for escalation.opened entries.
type EscalationOpenedData struct {
	Title             string `json:"title"`
	Priority          string `json:"priority"`
	AssigneeRole      string `json:"assignee_role"`
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
}

// EscalationUpdatedData is the payload for escalation.updated entries.
type EscalationUpdatedData struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Notes string `json:"notes,omitempty"`
}

// ExecutionStartedData is the payload for action.execution_started entries.
// The entry claims the execution until a matching executed or
// execution_failed entry follows it.
type ExecutionStartedData struct {
	Attempt int `json:"attempt"`
}

// ExecutedData is the payload for action.executed entries.
type ExecutedData struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// ExecutionFailedData is the payload for action.execution_failed entries.
type ExecutionFailedData struct {
	Error   string `json:"error"`
	Attempt int    `json:"attempt"`
}
