// Package engine wires the policy evaluator, the orchestrator, the lifecycle
// manager and the gateways into the set of operations the CRM calls.
//
// Construct one Engine per process and share it; it holds no per-call state.
//
//	eng, err := engine.New(engine.Config{
//	    Store: approvalStore,
//	    CRM:   crmStore,
//	    Audit: auditStore,
//	})
//	res, err := eng.CreateSaleWithWorkflow(ctx, saleJSON, actor)
//	if res.RequiresApproval {
//	    // res.Data is the PENDING approval.Request
//	}
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/audit"
	"github.com/lirancohen/loupe/crm"
	"github.com/lirancohen/loupe/gateway"
	"github.com/lirancohen/loupe/lifecycle"
	"github.com/lirancohen/loupe/policy"
	"github.com/lirancohen/loupe/project"
	"github.com/lirancohen/loupe/query"
	"github.com/lirancohen/loupe/workflow"
)

// Logger defines the logging interface shared by every component.
// Implementations should be safe for concurrent use.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Observer receives submission and transition outcomes.
// *metrics.Collector implements it.
type Observer interface {
	workflow.Observer
	lifecycle.Observer
}

// Config configures the Engine.
type Config struct {
	// Evaluator decides which actions need review.
	// If nil, policy.Default() is used.
	Evaluator workflow.Evaluator

	// Store holds approval requests and escalations.
	// Required.
	Store approval.Store

	// CRM receives customer, sale, product and floor writes.
	// Required.
	CRM crm.Store

	// Audit records the trail of every request. Optional, but AuditTrail
	// and idempotent execution need it.
	Audit audit.Store

	// Authorizer decides who reviews what. If nil, lifecycle.RoleMatrix{} is used.
	Authorizer lifecycle.Authorizer

	// Notifier is told about committed changes. If nil, notices are dropped.
	Notifier approval.Notifier

	// Observer receives outcomes for metrics. Optional.
	Observer Observer

	// Expiry configures ExpireStale. Disabled by default.
	Expiry lifecycle.ExpiryPolicy

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Clock returns the current time. If nil, time.Now is used.
	Clock func() time.Time

	// NewID mints request, escalation and entity ids. If nil, random UUIDs are used.
	NewID func() string
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("engine: Store is required")
	}
	if c.CRM == nil {
		return errors.New("engine: CRM is required")
	}
	return c.Expiry.Validate()
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Evaluator == nil {
		cfg.Evaluator = policy.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = approval.NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	return cfg
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Engine is the facade over the approval workflow. It is safe for concurrent use.
type Engine struct {
	store     approval.Store
	audit     audit.Store
	orch      *workflow.Orchestrator
	lifecycle *lifecycle.Manager
	gateway   *gateway.Gateway
	executor  *gateway.Executor
	logger    Logger
}

// New creates an Engine.
// Returns an error if required configuration is missing.
func New(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	wcfg := workflow.Config{
		Evaluator: cfg.Evaluator,
		Store:     cfg.Store,
		Audit:     cfg.Audit,
		Notifier:  cfg.Notifier,
		Logger:    cfg.Logger,
		Clock:     cfg.Clock,
		NewID:     cfg.NewID,
	}
	lcfg := lifecycle.Config{
		Store:      cfg.Store,
		Audit:      cfg.Audit,
		Authorizer: cfg.Authorizer,
		Notifier:   cfg.Notifier,
		Expiry:     cfg.Expiry,
		Logger:     cfg.Logger,
		Clock:      cfg.Clock,
		NewID:      cfg.NewID,
	}
	if cfg.Observer != nil {
		wcfg.Observer = cfg.Observer
		lcfg.Observer = cfg.Observer
	}

	orch, err := workflow.New(wcfg)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	lm, err := lifecycle.New(lcfg)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	gw, err := gateway.New(gateway.Config{
		Orchestrator: orch,
		Store:        cfg.CRM,
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		NewID:        cfg.NewID,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	exec, err := gateway.NewExecutor(gateway.ExecutorConfig{
		Store:  cfg.CRM,
		Audit:  cfg.Audit,
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Engine{
		store:     cfg.Store,
		audit:     cfg.Audit,
		orch:      orch,
		lifecycle: lm,
		gateway:   gw,
		executor:  exec,
		logger:    cfg.Logger,
	}, nil
}

// Gateway returns the per-action gateways.
func (e *Engine) Gateway() *gateway.Gateway { return e.gateway }

// Lifecycle returns the lifecycle manager.
func (e *Engine) Lifecycle() *lifecycle.Manager { return e.lifecycle }

// Evaluate reports the policy decision for an action without side effects.
func (e *Engine) Evaluate(action approval.ActionType, data json.RawMessage) (policy.Decision, error) {
	return e.orch.Evaluate(action, data)
}

// SubmitApprovalRequest records a PENDING request for action whatever the
// policy decides. priority may raise the evaluated priority but never lowers
// it. A resubmission of an identical pending action returns the existing
// request.
func (e *Engine) SubmitApprovalRequest(ctx context.Context, action approval.ActionType, data json.RawMessage, requester approval.Actor, priority *approval.Priority) (approval.Request, error) {
	sub, err := e.orch.Submit(ctx, workflow.Submission{
		Action:    action,
		Data:      data,
		Requester: requester,
		Priority:  priority,
	})
	if err != nil {
		return approval.Request{}, err
	}
	return sub.Request, nil
}

// WorkflowResult is the outcome of a *WithWorkflow call. Data is the stored
// entity when RequiresApproval is false and the PENDING approval.Request
// otherwise.
type WorkflowResult struct {
	Data             any  `json:"data"`
	RequiresApproval bool `json:"requiresApproval"`
}

// CreateCustomerWithWorkflow creates a customer now or routes it for review.
func (e *Engine) CreateCustomerWithWorkflow(ctx context.Context, data json.RawMessage, requester approval.Actor) (WorkflowResult, error) {
	out, err := e.gateway.CreateCustomer(ctx, gateway.Request{Requester: requester, Data: data})
	if err != nil {
		return WorkflowResult{}, err
	}
	return resultOf(out), nil
}

// CreateSaleWithWorkflow records a sale now or routes it for review.
func (e *Engine) CreateSaleWithWorkflow(ctx context.Context, data json.RawMessage, requester approval.Actor) (WorkflowResult, error) {
	out, err := e.gateway.CreateSale(ctx, gateway.Request{Requester: requester, Data: data})
	if err != nil {
		return WorkflowResult{}, err
	}
	return resultOf(out), nil
}

func resultOf[T any](out gateway.Outcome[T]) WorkflowResult {
	if out.RequiresApproval {
		return WorkflowResult{Data: out.Request, RequiresApproval: true}
	}
	return WorkflowResult{Data: out.Entity}
}

// ApproveRequest approves a PENDING request. The deferred write runs when
// the approved notice is handled, or through ExecuteApproved.
func (e *Engine) ApproveRequest(ctx context.Context, id string, reviewer approval.Actor, notes string) (approval.Request, error) {
	return e.lifecycle.Approve(ctx, id, reviewer, notes)
}

// RejectRequest rejects a PENDING request. The deferred write never runs.
func (e *Engine) RejectRequest(ctx context.Context, id string, reviewer approval.Actor, notes string) (approval.Request, error) {
	return e.lifecycle.Reject(ctx, id, reviewer, notes)
}

// EscalateRequest hands a PENDING request to the next tier and returns the
// escalation record linked to it.
func (e *Engine) EscalateRequest(ctx context.Context, id string, reviewer approval.Actor, notes string) (approval.Escalation, error) {
	_, esc, err := e.lifecycle.Escalate(ctx, id, reviewer, notes)
	return esc, err
}

// CancelRequest withdraws a PENDING request on behalf of its requester.
func (e *Engine) CancelRequest(ctx context.Context, id string, requester approval.Actor, notes string) (approval.Request, error) {
	return e.lifecycle.Cancel(ctx, id, requester, notes)
}

// GetPendingApprovals lists the PENDING requests reviewer may act on, oldest first.
func (e *Engine) GetPendingApprovals(ctx context.Context, reviewer approval.Actor) ([]approval.Request, error) {
	return e.lifecycle.Pending(ctx, reviewer, approval.PendingFilter{})
}

// PendingCount counts the PENDING requests reviewer may act on.
func (e *Engine) PendingCount(ctx context.Context, reviewer approval.Actor) (int64, error) {
	return e.lifecycle.CountPending(ctx, reviewer)
}

// GetRequest loads a request of actor's tenant.
func (e *Engine) GetRequest(ctx context.Context, actor approval.Actor, id string) (approval.Request, error) {
	return e.lifecycle.Get(ctx, actor, id)
}

// AuditTrail projects the trail of a request or escalation of actor's tenant.
func (e *Engine) AuditTrail(ctx context.Context, actor approval.Actor, id string) (project.Trail, error) {
	if e.audit == nil {
		return project.Trail{StreamID: id}, nil
	}

	_, err := e.lifecycle.Get(ctx, actor, id)
	if errors.Is(err, approval.ErrNotFound) {
		_, err = e.lifecycle.GetEscalation(ctx, actor, id)
	}
	if err != nil {
		return project.Trail{}, err
	}

	entries, err := e.audit.Load(ctx, id)
	if err != nil {
		return project.Trail{}, fmt.Errorf("load trail %s: %w", id, err)
	}
	return project.BuildTrail(id, entries), nil
}

// EntityHistory returns the ids of every request and auto-approval stream
// that touched the given CRM entity. Returns nil when the audit store cannot
// answer entity queries.
func (e *Engine) EntityHistory(ctx context.Context, entityType, entityID string) ([]string, error) {
	q, ok := e.audit.(query.EntityQuerier)
	if !ok {
		return nil, nil
	}
	return q.QueryByEntity(ctx, entityType, entityID)
}

// ExecuteApproved performs the deferred write of an APPROVED request.
// With an audit store, the write happens once however many callers overlap:
// a concurrent caller gets gateway.ErrExecutionInProgress and a later one the
// earlier Execution. Failed writes are recorded on the request's trail.
func (e *Engine) ExecuteApproved(ctx context.Context, id string) (gateway.Execution, error) {
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return gateway.Execution{}, err
	}
	return e.executor.Execute(ctx, req)
}

// ExpireStale expires PENDING requests older than the configured age.
// tenantID empty sweeps every tenant.
func (e *Engine) ExpireStale(ctx context.Context, tenantID string) (int, error) {
	n, err := e.lifecycle.ExpireStale(ctx, tenantID)
	if n > 0 {
		e.logger.Info("stale requests expired", "tenant_id", tenantID, "count", n)
	}
	return n, err
}
