package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/audit"
)

// ErrInvalidEscalation indicates an escalation input failed validation.
var ErrInvalidEscalation = errors.New("invalid escalation")

// EscalationInput opens an escalation that is not tied to a request.
type EscalationInput struct {
	Title       string
	Description string

	// Priority defaults to MEDIUM.
	Priority approval.Priority

	// AssigneeRole defaults to the tier above the opener.
	AssigneeRole approval.Role

	Summary json.RawMessage
}

// OpenEscalation records a standalone escalation raised by actor.
func (m *Manager) OpenEscalation(ctx context.Context, actor approval.Actor, in EscalationInput) (approval.Escalation, error) {
	if strings.TrimSpace(in.Title) == "" {
		return approval.Escalation{}, fmt.Errorf("%w: title is required", ErrInvalidEscalation)
	}
	if actor.UserID == "" || actor.TenantID == "" {
		return approval.Escalation{}, fmt.Errorf("%w: actor user and tenant are required", ErrInvalidEscalation)
	}

	priority := in.Priority
	if priority == "" {
		priority = approval.PriorityMedium
	}
	if !priority.IsValid() {
		return approval.Escalation{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidEscalation, priority)
	}
	assignee := in.AssigneeRole
	if assignee == "" {
		assignee = NextTier(actor.Role)
	}
	if assignee.Tier() == 0 {
		return approval.Escalation{}, fmt.Errorf("%w: unknown assignee role %q", ErrInvalidEscalation, assignee)
	}

	now := m.clock().UTC()
	esc := approval.Escalation{
		ID:             m.newID(),
		TenantID:       actor.TenantID,
		Title:          in.Title,
		Description:    in.Description,
		Priority:       priority,
		Status:         approval.EscalationOpen,
		RequesterID:    actor.UserID,
		RequesterRole:  actor.Role,
		RequesterFloor: actor.Floor,
		Summary:        append(json.RawMessage(nil), in.Summary...),
		AssigneeRole:   assignee,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.store.CreateEscalation(ctx, esc); err != nil {
		m.logger.Error("create escalation failed", "actor", actor.UserID, "error", err)
		return approval.Escalation{}, fmt.Errorf("create escalation: %w", err)
	}

	m.logger.Info("escalation opened", "escalation_id", esc.ID, "assignee", esc.AssigneeRole, "priority", esc.Priority)
	m.record(ctx, escalationOpened(esc))
	m.notify(ctx, approval.Notice{
		Kind:         approval.NoticeEscalated,
		TenantID:     esc.TenantID,
		EscalationID: esc.ID,
		Priority:     esc.Priority,
		ActorID:      actor.UserID,
	})
	return esc, nil
}

// GetEscalation loads an escalation visible to actor.
func (m *Manager) GetEscalation(ctx context.Context, actor approval.Actor, id string) (approval.Escalation, error) {
	esc, err := m.store.GetEscalation(ctx, id)
	if err != nil {
		return approval.Escalation{}, fmt.Errorf("load escalation %s: %w", id, err)
	}
	if esc.TenantID != actor.TenantID {
		return approval.Escalation{}, fmt.Errorf("load escalation %s: %w", id, approval.ErrNotFound)
	}
	return esc, nil
}

// ListEscalations lists escalations of actor's tenant, newest first.
func (m *Manager) ListEscalations(ctx context.Context, actor approval.Actor, filter approval.EscalationFilter) ([]approval.Escalation, error) {
	filter.TenantID = actor.TenantID
	escs, err := m.store.ListEscalations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	return escs, nil
}

// UpdateEscalation moves an escalation to status to.
// Notes, when set, replace the resolution notes.
func (m *Manager) UpdateEscalation(ctx context.Context, id string, actor approval.Actor, to approval.EscalationStatus, notes string) (approval.Escalation, error) {
	esc, err := m.GetEscalation(ctx, actor, id)
	if err != nil {
		return approval.Escalation{}, err
	}
	if !esc.Status.CanTransitionTo(to) {
		return approval.Escalation{}, &approval.EscalationTransitionError{ID: id, Current: esc.Status, Target: to}
	}
	if err := m.authorizer.AuthorizeEscalation(actor, esc); err != nil {
		return approval.Escalation{}, err
	}

	updated, err := m.store.UpdateEscalation(ctx, approval.EscalationUpdate{
		ID:      id,
		From:    esc.Status,
		To:      to,
		ActorID: actor.UserID,
		Notes:   notes,
		At:      m.clock().UTC(),
	})
	if err != nil {
		if errors.Is(err, approval.ErrInvalidTransition) {
			return approval.Escalation{}, err
		}
		return approval.Escalation{}, fmt.Errorf("update escalation %s: %w", id, err)
	}

	m.logger.Info("escalation updated", "escalation_id", id, "from", esc.Status, "to", to, "actor", actor.UserID)
	m.record(ctx, audit.Record{
		StreamID: id,
		Type:     audit.EntryEscalationUpdated,
		ActorID:  actor.UserID,
		Data:     audit.EscalationUpdatedData{From: string(esc.Status), To: string(to), Notes: notes},
		Metadata: map[string]string{audit.MetaTenantID: esc.TenantID},
	})
	m.notify(ctx, approval.Notice{
		Kind:         approval.NoticeEscalationUpdated,
		TenantID:     esc.TenantID,
		RequestID:    esc.ApprovalRequestID,
		EscalationID: id,
		Priority:     esc.Priority,
		ActorID:      actor.UserID,
	})
	return updated, nil
}

func escalationOpened(esc approval.Escalation) audit.Record {
	return audit.Record{
		StreamID: esc.ID,
		Type:     audit.EntryEscalationOpened,
		ActorID:  esc.RequesterID,
		Data: audit.EscalationOpenedData{
			Title:             esc.Title,
			Priority:          string(esc.Priority),
			AssigneeRole:      string(esc.AssigneeRole),
			ApprovalRequestID: esc.ApprovalRequestID,
		},
		Metadata: map[string]string{audit.MetaTenantID: esc.TenantID},
	}
}
