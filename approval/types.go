// Package approval defines the request, escalation and payload types shared by
// the policy evaluator, the workflow orchestrator and the lifecycle manager,
// together with the storage interfaces they consume.
package approval

import "strings"

// ActionType classifies the CRM mutation an approval request defers.
type ActionType string

const (
	ActionCustomerCreate  ActionType = "CUSTOMER_CREATE"
	ActionCustomerUpdate  ActionType = "CUSTOMER_UPDATE"
	ActionSaleCreate      ActionType = "SALE_CREATE"
	ActionSaleUpdate      ActionType = "SALE_UPDATE"
	ActionSaleDelete      ActionType = "SALE_DELETE"
	ActionProductUpdate   ActionType = "PRODUCT_UPDATE"
	ActionDiscountApply   ActionType = "DISCOUNT_APPLY"
	ActionFloorAssignment ActionType = "FLOOR_ASSIGNMENT"
)

// ActionTypes lists every known action type.
var ActionTypes = []ActionType{
	ActionCustomerCreate,
	ActionCustomerUpdate,
	ActionSaleCreate,
	ActionSaleUpdate,
	ActionSaleDelete,
	ActionProductUpdate,
	ActionDiscountApply,
	ActionFloorAssignment,
}

// IsKnown reports whether a is part of the closed enumeration.
func (a ActionType) IsKnown() bool {
	for _, known := range ActionTypes {
		if a == known {
			return true
		}
	}
	return false
}

func (a ActionType) String() string {
	return string(a)
}

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusEscalated Status = "ESCALATED"
	StatusCancelled Status = "CANCELLED"
)

// statusTransitions holds the only edges of the request state machine.
// Every non-PENDING state is final for the reviewer tier that owns the request.
var statusTransitions = map[Status][]Status{
	StatusPending: {StatusApproved, StatusRejected, StatusEscalated, StatusCancelled},
}

// CanTransitionTo reports whether the state machine has an edge from s to target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, valid := range statusTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition may leave s.
// ESCALATED counts as terminal: the request never returns to PENDING.
func (s Status) IsTerminal() bool {
	return len(statusTransitions[s]) == 0
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus converts a stored status string.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(s)) {
	case StatusPending:
		return StatusPending, true
	case StatusApproved:
		return StatusApproved, true
	case StatusRejected:
		return StatusRejected, true
	case StatusEscalated:
		return StatusEscalated, true
	case StatusCancelled:
		return StatusCancelled, true
	default:
		return Status(s), false
	}
}

// Priority is the ordinal urgency attached to a request at creation.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank orders priorities; unknown values rank below LOW.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

// IsValid reports whether p is one of the four known priorities.
func (p Priority) IsValid() bool {
	return p.Rank() > 0
}

func (p Priority) String() string {
	return string(p)
}

// MaxPriority returns the more urgent of a and b.
func MaxPriority(a, b Priority) Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParsePriority converts a priority string, accepting any case.
func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	return p, p.IsValid()
}

// Role is the CRM role an actor holds.
type Role string

const (
	RoleBusinessAdmin Role = "BUSINESS_ADMIN"
	RoleFloorManager  Role = "FLOOR_MANAGER"
	RoleSalesperson   Role = "SALESPERSON"
)

// Tier orders roles by review authority.
func (r Role) Tier() int {
	switch r {
	case RoleBusinessAdmin:
		return 3
	case RoleFloorManager:
		return 2
	case RoleSalesperson:
		return 1
	default:
		return 0
	}
}

// ParseRole converts a role string, accepting any case.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Tier() > 0
}

// Actor is the caller identity supplied by the authentication collaborator.
// The engine trusts it as given.
type Actor struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Role     Role   `json:"role"`
	Floor    string `json:"floor,omitempty"`
}
