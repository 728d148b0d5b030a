// Package workflow routes proposed CRM actions either straight to their
// mutation or into a PENDING approval request, depending on the policy
// decision. It never executes a mutation for a request it has persisted.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/audit"
	"github.com/lirancohen/loupe/policy"
)

// ErrInvalidRequester indicates a submission without a requester identity.
var ErrInvalidRequester = errors.New("workflow: requester user and tenant are required")

// Submission is a proposed action together with the caller's identity.
type Submission struct {
	Action    approval.ActionType
	Data      json.RawMessage
	Requester approval.Actor
	Notes     string

	// Priority raises the evaluated priority; it never lowers it.
	Priority *approval.Priority
}

// Mutation performs the underlying domain write.
type Mutation[T any] func(ctx context.Context) (T, error)

// Result is the outcome of Run.
// Exactly one of Value (Immediate) or Request (!Immediate) is meaningful.
type Result[T any] struct {
	Immediate bool
	Value     T
	Request   *approval.Request
	Decision  policy.Decision

	// Deduplicated is set when Request is an existing PENDING request for
	// the same logical action.
	Deduplicated bool
}

// AuditEntity is implemented by mutation results that name the domain
// entity they created or changed.
type AuditEntity interface {
	AuditEntity() (entityType, entityID string)
}

// Orchestrator is the entry point for submissions.
// It is safe for concurrent use.
type Orchestrator struct {
	evaluator Evaluator
	store     approval.RequestStore
	recorder  *audit.Recorder
	notifier  approval.Notifier
	observer  Observer
	logger    Logger
	clock     func() time.Time
	newID     func() string
}

// New creates an Orchestrator.
// Returns an error if required configuration is missing.
func New(config Config) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	o := &Orchestrator{
		evaluator: cfg.Evaluator,
		store:     cfg.Store,
		notifier:  cfg.Notifier,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		newID:     cfg.NewID,
	}
	if cfg.Audit != nil {
		o.recorder = audit.NewRecorder(cfg.Audit, cfg.Clock)
	}
	return o, nil
}

// Evaluate exposes the policy decision without side effects.
func (o *Orchestrator) Evaluate(action approval.ActionType, raw json.RawMessage) (policy.Decision, error) {
	return o.evaluator.Evaluate(action, raw)
}

// Run evaluates s and either executes m now or persists a PENDING request
// and leaves m unexecuted.
//
// Policy errors are returned as is and nothing is written. A store failure
// is returned as *approval.PersistenceError and m is not executed.
func Run[T any](ctx context.Context, o *Orchestrator, s Submission, m Mutation[T]) (Result[T], error) {
	start := o.clock()

	decision, err := o.evaluate(s)
	if err != nil {
		o.observer.ObserveSubmission(s.Action, OutcomePolicyError, o.clock().Sub(start))
		return Result[T]{}, err
	}

	if !decision.RequiresApproval {
		value, err := m(ctx)
		if err != nil {
			o.observer.ObserveSubmission(s.Action, OutcomeMutationError, o.clock().Sub(start))
			return Result[T]{}, fmt.Errorf("execute %s: %w", s.Action, err)
		}
		o.recordAutoApproved(ctx, s, decision, value)
		o.observer.ObserveSubmission(s.Action, OutcomeImmediate, o.clock().Sub(start))
		return Result[T]{Immediate: true, Value: value, Decision: decision}, nil
	}

	req, dedup, err := o.createRequest(ctx, s, decision)
	if err != nil {
		o.observer.ObserveSubmission(s.Action, OutcomePersistError, o.clock().Sub(start))
		return Result[T]{}, err
	}

	outcome := OutcomePending
	if dedup {
		outcome = OutcomeDeduplicated
	}
	o.observer.ObserveSubmission(s.Action, outcome, o.clock().Sub(start))
	return Result[T]{Request: &req, Decision: decision, Deduplicated: dedup}, nil
}

// Submitted is the outcome of Submit.
type Submitted struct {
	Request      approval.Request
	Decision     policy.Decision
	Deduplicated bool
}

// Submit persists a PENDING request for s whatever the policy decides.
// Callers use it when a person explicitly asks for review; the evaluated
// priority still applies.
func (o *Orchestrator) Submit(ctx context.Context, s Submission) (Submitted, error) {
	start := o.clock()

	decision, err := o.evaluate(s)
	if err != nil {
		o.observer.ObserveSubmission(s.Action, OutcomePolicyError, o.clock().Sub(start))
		return Submitted{}, err
	}

	req, dedup, err := o.createRequest(ctx, s, decision)
	if err != nil {
		o.observer.ObserveSubmission(s.Action, OutcomePersistError, o.clock().Sub(start))
		return Submitted{}, err
	}

	outcome := OutcomePending
	if dedup {
		outcome = OutcomeDeduplicated
	}
	o.observer.ObserveSubmission(s.Action, outcome, o.clock().Sub(start))
	return Submitted{Request: req, Decision: decision, Deduplicated: dedup}, nil
}

func (o *Orchestrator) evaluate(s Submission) (policy.Decision, error) {
	if s.Requester.UserID == "" || s.Requester.TenantID == "" {
		return policy.Decision{}, ErrInvalidRequester
	}

	decision, err := o.evaluator.Evaluate(s.Action, s.Data)
	if err != nil {
		return policy.Decision{}, err
	}

	if s.Priority != nil {
		if !s.Priority.IsValid() {
			return policy.Decision{}, &approval.PolicyError{Action: s.Action, Field: "priority", Reason: fmt.Sprintf("unknown priority %q", *s.Priority)}
		}
		decision.Priority = approval.MaxPriority(decision.Priority, *s.Priority)
	}
	return decision, nil
}

// createRequest persists a PENDING request. The returned bool reports that
// an equivalent PENDING request already existed and was returned instead.
func (o *Orchestrator) createRequest(ctx context.Context, s Submission, d policy.Decision) (approval.Request, bool, error) {
	now := o.clock().UTC()
	data := append(json.RawMessage(nil), s.Data...)

	req := approval.Request{
		ID:             o.newID(),
		TenantID:       s.Requester.TenantID,
		ActionType:     s.Action,
		RequesterID:    s.Requester.UserID,
		RequesterRole:  s.Requester.Role,
		RequesterFloor: s.Requester.Floor,
		RequestData:    data,
		Fingerprint:    approval.Fingerprint(s.Requester.TenantID, s.Action, s.Requester.UserID, data),
		Status:         approval.StatusPending,
		Priority:       d.Priority,
		RequesterNotes: s.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := o.store.Create(ctx, req)
	var dup *approval.DuplicatePendingError
	switch {
	case err == nil:
	case errors.As(err, &dup):
		o.logger.Info("duplicate submission joined pending request",
			"request_id", dup.Existing.ID, "action", s.Action, "requester", s.Requester.UserID)
		o.record(ctx, audit.Record{
			StreamID: dup.Existing.ID,
			Type:     audit.EntrySubmitted,
			ActorID:  s.Requester.UserID,
			Data: audit.SubmittedData{
				ActionType:    string(s.Action),
				Priority:      string(dup.Existing.Priority),
				RequesterRole: string(s.Requester.Role),
				Reasons:       d.Reasons,
				Deduplicated:  true,
			},
			Metadata: requestMetadata(dup.Existing),
		})
		return dup.Existing, true, nil
	default:
		o.logger.Error("persist approval request failed", "action", s.Action, "error", err)
		if errors.Is(err, approval.ErrPersistence) {
			return approval.Request{}, false, err
		}
		return approval.Request{}, false, &approval.PersistenceError{Op: "create", Err: err}
	}

	o.logger.Info("approval request created",
		"request_id", req.ID, "action", req.ActionType, "priority", req.Priority, "requester", req.RequesterID)

	o.record(ctx, audit.Record{
		StreamID: req.ID,
		Type:     audit.EntrySubmitted,
		ActorID:  req.RequesterID,
		Data: audit.SubmittedData{
			ActionType:    string(req.ActionType),
			Priority:      string(req.Priority),
			RequesterRole: string(req.RequesterRole),
			Reasons:       d.Reasons,
		},
		Metadata: requestMetadata(req),
	})

	if err := o.notifier.Notify(ctx, approval.Notice{
		Kind:       approval.NoticeSubmitted,
		TenantID:   req.TenantID,
		RequestID:  req.ID,
		ActionType: req.ActionType,
		Priority:   req.Priority,
		ActorID:    req.RequesterID,
	}); err != nil {
		o.logger.Warn("notify reviewers failed", "request_id", req.ID, "error", err)
	}

	return req, false, nil
}

func (o *Orchestrator) recordAutoApproved(ctx context.Context, s Submission, d policy.Decision, value any) {
	meta := map[string]string{
		audit.MetaTenantID:   s.Requester.TenantID,
		audit.MetaActionType: string(s.Action),
	}
	if e, ok := value.(AuditEntity); ok {
		meta[audit.MetaEntityType], meta[audit.MetaEntityID] = e.AuditEntity()
	}

	o.record(ctx, audit.Record{
		StreamID: o.newID(),
		Type:     audit.EntryAutoApproved,
		ActorID:  s.Requester.UserID,
		Data: audit.AutoApprovedData{
			ActionType: string(s.Action),
			Reasons:    d.Reasons,
			Input:      s.Data,
		},
		Metadata: meta,
	})
}

// record appends an audit entry. Failures are logged; the state change the
// entry describes has already happened.
func (o *Orchestrator) record(ctx context.Context, rec audit.Record) {
	if o.recorder == nil {
		return
	}
	if _, err := o.recorder.Record(ctx, rec); err != nil {
		o.logger.Warn("audit append failed", "stream_id", rec.StreamID, "type", rec.Type, "error", err)
	}
}

func requestMetadata(r approval.Request) map[string]string {
	return map[string]string{
		audit.MetaTenantID:   r.TenantID,
		audit.MetaActionType: string(r.ActionType),
	}
}
