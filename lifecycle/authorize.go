package lifecycle

import (
	"fmt"
	"slices"

	"github.com/lirancohen/loupe/approval"
)

// Operation names a lifecycle operation.
type Operation string

const (
	OpApprove  Operation = "approve"
	OpReject   Operation = "reject"
	OpEscalate Operation = "escalate"
	OpCancel   Operation = "cancel"
	OpExpire   Operation = "expire"
)

// target returns the status the operation moves a request to.
func (op Operation) target() approval.Status {
	switch op {
	case OpApprove:
		return approval.StatusApproved
	case OpReject:
		return approval.StatusRejected
	case OpEscalate:
		return approval.StatusEscalated
	case OpCancel, OpExpire:
		return approval.StatusCancelled
	default:
		return ""
	}
}

// UnauthorizedError explains why an actor was refused.
type UnauthorizedError struct {
	ActorID string
	Op      Operation
	Reason  string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s: %s may not %s: %s", approval.ErrUnauthorizedReviewer, e.ActorID, e.Op, e.Reason)
}

func (e *UnauthorizedError) Unwrap() error {
	return approval.ErrUnauthorizedReviewer
}

// Authorizer decides whether an actor may act on a request or escalation.
// Returned errors should match approval.ErrUnauthorizedReviewer.
type Authorizer interface {
	AuthorizeRequest(actor approval.Actor, op Operation, req approval.Request) error
	AuthorizeEscalation(actor approval.Actor, esc approval.Escalation) error
}

// PendingScoper is an optional Authorizer extension that narrows a pending
// listing to what the actor could review, so pagination and counting happen
// in the store. It returns false when the actor reviews nothing at all.
type PendingScoper interface {
	ScopePending(actor approval.Actor, f *approval.PendingFilter) bool
}

// DefaultFloorManagerActions are the action types a floor manager reviews.
var DefaultFloorManagerActions = []approval.ActionType{
	approval.ActionCustomerCreate,
	approval.ActionCustomerUpdate,
	approval.ActionSaleCreate,
	approval.ActionSaleUpdate,
	approval.ActionProductUpdate,
	approval.ActionDiscountApply,
}

// RoleMatrix is the default Authorizer.
//
// Business admins review everything in their tenant. Floor managers review
// FloorManagerActions raised on their own floor and may escalate anything on
// it; requests without a floor go to admins. Salespeople review nothing. Nobody reviews their own request, and only
// the requester may cancel.
type RoleMatrix struct {
	// FloorManagerActions overrides DefaultFloorManagerActions when non-nil.
	FloorManagerActions []approval.ActionType
}

func (m RoleMatrix) floorManagerActions() []approval.ActionType {
	if m.FloorManagerActions != nil {
		return m.FloorManagerActions
	}
	return DefaultFloorManagerActions
}

func (m RoleMatrix) AuthorizeRequest(actor approval.Actor, op Operation, req approval.Request) error {
	deny := func(reason string) error {
		return &UnauthorizedError{ActorID: actor.UserID, Op: op, Reason: reason}
	}

	if actor.TenantID != req.TenantID {
		return deny("request belongs to another tenant")
	}
	if op == OpCancel {
		if actor.UserID != req.RequesterID {
			return deny("only the requester may cancel")
		}
		return nil
	}
	if actor.UserID == req.RequesterID {
		return deny("cannot review own request")
	}

	switch actor.Role {
	case approval.RoleBusinessAdmin:
		return nil
	case approval.RoleFloorManager:
		if actor.Floor == "" || actor.Floor != req.RequesterFloor {
			return deny("request was not raised on the manager's floor")
		}
		if op == OpEscalate || slices.Contains(m.floorManagerActions(), req.ActionType) {
			return nil
		}
		return deny(fmt.Sprintf("%s requires a business admin", req.ActionType))
	default:
		return deny(fmt.Sprintf("role %q does not review requests", actor.Role))
	}
}

func (m RoleMatrix) AuthorizeEscalation(actor approval.Actor, esc approval.Escalation) error {
	if actor.TenantID != esc.TenantID {
		return &UnauthorizedError{ActorID: actor.UserID, Op: "update escalation", Reason: "escalation belongs to another tenant"}
	}
	if actor.UserID == esc.RequesterID || actor.Role.Tier() >= esc.AssigneeRole.Tier() {
		return nil
	}
	return &UnauthorizedError{ActorID: actor.UserID, Op: "update escalation", Reason: fmt.Sprintf("assigned to %s", esc.AssigneeRole)}
}

func (m RoleMatrix) ScopePending(actor approval.Actor, f *approval.PendingFilter) bool {
	f.TenantID = actor.TenantID
	f.ExcludeRequesterID = actor.UserID
	switch actor.Role {
	case approval.RoleBusinessAdmin:
		return true
	case approval.RoleFloorManager:
		if actor.Floor == "" {
			return false
		}
		f.Floor = actor.Floor
		f.ActionTypes = m.floorManagerActions()
		return true
	default:
		return false
	}
}

// NextTier returns the role an escalation raised by role is assigned to.
func NextTier(role approval.Role) approval.Role {
	switch role {
	case approval.RoleFloorManager, approval.RoleBusinessAdmin:
		return approval.RoleBusinessAdmin
	default:
		return approval.RoleFloorManager
	}
}
