// Package lifecycle moves approval requests out of PENDING and manages the
// escalation records that escalating a request produces.
//
// Every transition is a compare-and-set in the store: of two reviewers acting
// on the same request, exactly one wins and the other sees
// approval.ErrInvalidTransition. Audit entries and notices are written after
// the change commits; their failures are logged, never returned.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/audit"
	"github.com/lirancohen/loupe/query"
)

// Manager applies reviewer decisions. It is safe for concurrent use.
type Manager struct {
	store      approval.Store
	recorder   *audit.Recorder
	authorizer Authorizer
	notifier   approval.Notifier
	observer   Observer
	expiry     ExpiryPolicy
	sweepLimit int
	sweepBatch int
	logger     Logger
	clock      func() time.Time
	newID      func() string
}

// New creates a Manager.
// Returns an error if required configuration is missing.
func New(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	m := &Manager{
		store:      cfg.Store,
		authorizer: cfg.Authorizer,
		notifier:   cfg.Notifier,
		observer:   cfg.Observer,
		expiry:     cfg.Expiry,
		sweepLimit: cfg.SweepConcurrency,
		sweepBatch: cfg.SweepBatch,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		newID:      cfg.NewID,
	}
	if cfg.Audit != nil {
		m.recorder = audit.NewRecorder(cfg.Audit, cfg.Clock)
	}
	return m, nil
}

// Authorizer returns the authorizer in use.
func (m *Manager) Authorizer() Authorizer {
	return m.authorizer
}

// Get loads a request visible to actor.
// Requests of other tenants are reported as approval.ErrNotFound.
func (m *Manager) Get(ctx context.Context, actor approval.Actor, id string) (approval.Request, error) {
	req, err := m.load(ctx, actor, id)
	if err != nil {
		return approval.Request{}, err
	}
	return req, nil
}

// Approve moves a PENDING request to APPROVED. The approved notice is the
// signal that the deferred mutation may now run.
func (m *Manager) Approve(ctx context.Context, id string, reviewer approval.Actor, notes string) (approval.Request, error) {
	req, _, err := m.transition(ctx, OpApprove, id, reviewer, notes)
	return req, err
}

// Reject moves a PENDING request to REJECTED.
func (m *Manager) Reject(ctx context.Context, id string, reviewer approval.Actor, notes string) (approval.Request, error) {
	req, _, err := m.transition(ctx, OpReject, id, reviewer, notes)
	return req, err
}

// Escalate moves a PENDING request to ESCALATED and, in the same store
// operation, creates the linked Escalation assigned to the next tier up.
func (m *Manager) Escalate(ctx context.Context, id string, reviewer approval.Actor, notes string) (approval.Request, approval.Escalation, error) {
	req, esc, err := m.transition(ctx, OpEscalate, id, reviewer, notes)
	if err != nil {
		return approval.Request{}, approval.Escalation{}, err
	}
	return req, *esc, nil
}

// Cancel lets the requester withdraw a PENDING request.
func (m *Manager) Cancel(ctx context.Context, id string, requester approval.Actor, notes string) (approval.Request, error) {
	req, _, err := m.transition(ctx, OpCancel, id, requester, notes)
	return req, err
}

func (m *Manager) load(ctx context.Context, actor approval.Actor, id string) (approval.Request, error) {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return approval.Request{}, fmt.Errorf("load request %s: %w", id, err)
	}
	if req.TenantID != actor.TenantID {
		return approval.Request{}, fmt.Errorf("load request %s: %w", id, approval.ErrNotFound)
	}
	return req, nil
}

func (m *Manager) transition(ctx context.Context, op Operation, id string, actor approval.Actor, notes string) (approval.Request, *approval.Escalation, error) {
	start := m.clock()

	req, err := m.load(ctx, actor, id)
	if err != nil {
		return approval.Request{}, nil, err
	}

	to := op.target()
	if !req.Status.CanTransitionTo(to) {
		return approval.Request{}, nil, &approval.TransitionError{ID: id, Current: req.Status, Target: to}
	}
	if err := m.authorizer.AuthorizeRequest(actor, op, req); err != nil {
		m.logger.Warn("transition refused", "request_id", id, "op", op, "actor", actor.UserID, "error", err)
		return approval.Request{}, nil, err
	}

	now := m.clock().UTC()
	t := approval.Transition{
		ID:           id,
		From:         req.Status,
		To:           to,
		ReviewerID:   actor.UserID,
		ReviewerRole: actor.Role,
		Notes:        notes,
		At:           now,
	}
	if op == OpEscalate {
		t.Escalation = m.escalationFor(req, actor, notes, NextTier(actor.Role), now)
	}

	updated, err := m.store.Transition(ctx, t)
	if err != nil {
		return approval.Request{}, nil, m.transitionError(op, id, err)
	}

	m.logger.Info("request transitioned",
		"request_id", id, "op", op, "from", t.From, "to", to, "actor", actor.UserID)
	m.afterTransition(ctx, op, updated, t)
	m.observer.ObserveTransition(op, to, m.clock().Sub(start))
	return updated, t.Escalation, nil
}

func (m *Manager) transitionError(op Operation, id string, err error) error {
	var te *approval.TransitionError
	if errors.As(err, &te) {
		// Lost the compare-and-set to a concurrent reviewer.
		m.logger.Info("transition lost race", "request_id", id, "op", op, "current", te.Current)
		return err
	}
	m.logger.Error("transition failed", "request_id", id, "op", op, "error", err)
	return fmt.Errorf("%s request %s: %w", op, id, err)
}

func (m *Manager) escalationFor(req approval.Request, actor approval.Actor, notes string, assignee approval.Role, now time.Time) *approval.Escalation {
	return &approval.Escalation{
		ID:                m.newID(),
		TenantID:          req.TenantID,
		Title:             fmt.Sprintf("Escalated %s request", req.ActionType),
		Description:       notes,
		Priority:          req.Priority,
		Status:            approval.EscalationOpen,
		RequesterID:       actor.UserID,
		RequesterRole:     actor.Role,
		RequesterFloor:    req.RequesterFloor,
		ApprovalRequestID: req.ID,
		Summary:           append(json.RawMessage(nil), req.RequestData...),
		AssigneeRole:      assignee,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (m *Manager) afterTransition(ctx context.Context, op Operation, req approval.Request, t approval.Transition) {
	decision := audit.DecisionData{
		From:         string(t.From),
		To:           string(t.To),
		ReviewerRole: string(t.ReviewerRole),
		Notes:        t.Notes,
	}

	rec := audit.Record{
		StreamID: req.ID,
		ActorID:  t.ReviewerID,
		Data:     decision,
		Metadata: map[string]string{
			audit.MetaTenantID:   req.TenantID,
			audit.MetaActionType: string(req.ActionType),
		},
	}
	notice := approval.Notice{
		TenantID:   req.TenantID,
		RequestID:  req.ID,
		ActionType: req.ActionType,
		Priority:   req.Priority,
		ActorID:    t.ReviewerID,
	}

	switch {
	case op == OpExpire:
		rec.Type = audit.EntryExpired
	case t.To == approval.StatusApproved:
		rec.Type = audit.EntryApproved
		notice.Kind = approval.NoticeApproved
	case t.To == approval.StatusRejected:
		rec.Type = audit.EntryRejected
		notice.Kind = approval.NoticeRejected
	case t.To == approval.StatusCancelled:
		rec.Type = audit.EntryCancelled
		notice.Kind = approval.NoticeCancelled
	case t.To == approval.StatusEscalated:
		rec.Type = audit.EntryEscalated
		notice.Kind = approval.NoticeEscalated
	}

	if t.Escalation != nil {
		notice.Kind = approval.NoticeEscalated
		notice.EscalationID = t.Escalation.ID
		rec.Data = audit.EscalatedData{
			DecisionData: decision,
			EscalationID: t.Escalation.ID,
			AssigneeRole: string(t.Escalation.AssigneeRole),
		}
		m.record(ctx, escalationOpened(*t.Escalation))
	}
	if notice.Kind == "" {
		notice.Kind = approval.NoticeCancelled
	}

	m.record(ctx, rec)
	m.notify(ctx, notice)
}

// Expire resolves a stale PENDING request as the system actor, cancelling or
// escalating it according to action. Escalations go to a business admin.
func (m *Manager) Expire(ctx context.Context, id string, action ExpiryAction) (approval.Request, error) {
	start := m.clock()

	req, err := m.store.Get(ctx, id)
	if err != nil {
		return approval.Request{}, fmt.Errorf("load request %s: %w", id, err)
	}

	to := approval.StatusCancelled
	if action == ExpireEscalate {
		to = approval.StatusEscalated
	}
	if !req.Status.CanTransitionTo(to) {
		return approval.Request{}, &approval.TransitionError{ID: id, Current: req.Status, Target: to}
	}

	now := m.clock().UTC()
	notes := fmt.Sprintf("expired after %s pending", now.Sub(req.CreatedAt).Truncate(time.Minute))
	t := approval.Transition{
		ID:         id,
		From:       req.Status,
		To:         to,
		ReviewerID: audit.SystemActor,
		Notes:      notes,
		At:         now,
	}
	if to == approval.StatusEscalated {
		system := approval.Actor{UserID: audit.SystemActor, TenantID: req.TenantID}
		t.Escalation = m.escalationFor(req, system, notes, approval.RoleBusinessAdmin, now)
	}

	updated, err := m.store.Transition(ctx, t)
	if err != nil {
		return approval.Request{}, m.transitionError(OpExpire, id, err)
	}

	m.logger.Info("request expired", "request_id", id, "to", to)
	m.afterTransition(ctx, OpExpire, updated, t)
	m.observer.ObserveTransition(OpExpire, to, m.clock().Sub(start))
	return updated, nil
}

// ExpireStale expires every PENDING request of tenantID (all tenants when
// empty) older than the configured expiry age. It returns how many requests
// it expired. Requests resolved concurrently by a reviewer are skipped.
func (m *Manager) ExpireStale(ctx context.Context, tenantID string) (int, error) {
	if !m.expiry.Enabled() {
		return 0, nil
	}

	stale, err := m.store.ListPending(ctx, approval.PendingFilter{
		TenantID:      tenantID,
		CreatedBefore: m.clock().Add(-m.expiry.After),
		Limit:         m.sweepBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale requests: %w", err)
	}

	var expired atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.sweepLimit)

	for _, req := range stale {
		g.Go(func() error {
			_, err := m.Expire(gctx, req.ID, m.expiry.Action)
			switch {
			case err == nil:
				expired.Add(1)
				return nil
			case errors.Is(err, approval.ErrInvalidTransition):
				return nil
			default:
				return err
			}
		})
	}

	err = g.Wait()
	return int(expired.Load()), err
}

// Pending lists the PENDING requests reviewer could act on, oldest first.
func (m *Manager) Pending(ctx context.Context, reviewer approval.Actor, filter approval.PendingFilter) ([]approval.Request, error) {
	filter, ok := m.scope(reviewer, filter)
	if !ok {
		return nil, nil
	}

	reqs, err := m.store.ListPending(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	visible := reqs[:0]
	for _, req := range reqs {
		if m.authorizer.AuthorizeRequest(reviewer, OpApprove, req) == nil {
			visible = append(visible, req)
		}
	}
	return visible, nil
}

// CountPending counts the PENDING requests reviewer could act on. With an
// Authorizer that is not a PendingScoper it lists and filters instead.
func (m *Manager) CountPending(ctx context.Context, reviewer approval.Actor) (int64, error) {
	if _, ok := m.authorizer.(PendingScoper); !ok {
		reqs, err := m.Pending(ctx, reviewer, approval.PendingFilter{})
		return int64(len(reqs)), err
	}

	filter, ok := m.scope(reviewer, approval.PendingFilter{})
	if !ok {
		return 0, nil
	}
	n, err := query.CountPending(ctx, m.store, filter)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (m *Manager) scope(reviewer approval.Actor, filter approval.PendingFilter) (approval.PendingFilter, bool) {
	filter.TenantID = reviewer.TenantID
	if s, ok := m.authorizer.(PendingScoper); ok {
		return filter, s.ScopePending(reviewer, &filter)
	}
	return filter, true
}

func (m *Manager) record(ctx context.Context, rec audit.Record) {
	if m.recorder == nil {
		return
	}
	if _, err := m.recorder.Record(ctx, rec); err != nil {
		m.logger.Warn("audit append failed", "stream_id", rec.StreamID, "type", rec.Type, "error", err)
	}
}

func (m *Manager) notify(ctx context.Context, n approval.Notice) {
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("notify failed", "kind", n.Kind, "request_id", n.RequestID, "error", err)
	}
}
