// Package gateway binds each CRM mutation to the workflow orchestrator.
//
// A gateway call either writes the entity now (COMPLETED) or leaves domain
// storage untouched and hands back the approval handle (PENDING_APPROVAL).
// Gateways never compare thresholds; the policy evaluator decides.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/crm"
	"github.com/lirancohen/loupe/workflow"
)

// Status is the outcome of a gateway call.
type Status string

const (
	StatusCompleted       Status = "COMPLETED"
	StatusPendingApproval Status = "PENDING_APPROVAL"
)

// Outcome is the result of a gateway call. Entity is set when Status is
// COMPLETED; ApprovalID and Request when it is PENDING_APPROVAL.
type Outcome[T any] struct {
	Status           Status            `json:"status"`
	Entity           *T                `json:"entity,omitempty"`
	ApprovalID       string            `json:"approvalId,omitempty"`
	Request          *approval.Request `json:"request,omitempty"`
	RequiresApproval bool              `json:"requiresApproval"`
	Deduplicated     bool              `json:"deduplicated,omitempty"`
}

// Logger defines the logging interface for gateways.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config configures a Gateway.
type Config struct {
	// Orchestrator routes submissions.
	// Required.
	Orchestrator *workflow.Orchestrator

	// Store receives the domain writes.
	// Required.
	Store crm.Store

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Clock returns the current time. If nil, time.Now is used.
	Clock func() time.Time

	// NewID mints entity ids for immediate creates. If nil, random UUIDs are used.
	NewID func() string
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Orchestrator == nil {
		return errors.New("gateway: Orchestrator is required")
	}
	if c.Store == nil {
		return errors.New("gateway: Store is required")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *c
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

// Gateway exposes one method per CRM mutation. It is safe for concurrent use.
type Gateway struct {
	orch  *workflow.Orchestrator
	w     writer
	newID func() string
}

// New creates a Gateway.
func New(config Config) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()
	return &Gateway{
		orch: cfg.Orchestrator,
		w: writer{
			store:  cfg.Store,
			logger: cfg.Logger,
			clock:  cfg.Clock,
		},
		newID: cfg.NewID,
	}, nil
}

// Request is the common input of gateway calls.
type Request struct {
	Requester approval.Actor
	Data      json.RawMessage
	Notes     string
	Priority  *approval.Priority
}

func (r Request) submission(action approval.ActionType) workflow.Submission {
	return workflow.Submission{
		Action:    action,
		Data:      r.Data,
		Requester: r.Requester,
		Notes:     r.Notes,
		Priority:  r.Priority,
	}
}

// CreateCustomer creates a customer or defers the creation for review.
func (g *Gateway) CreateCustomer(ctx context.Context, r Request) (Outcome[crm.Customer], error) {
	return run(ctx, g, approval.ActionCustomerCreate, r, func(ctx context.Context, p approval.CustomerPayload, id string) (crm.Customer, error) {
		return g.w.createCustomer(ctx, r.Requester, p, id)
	})
}

// UpdateCustomer updates a customer or defers the update for review.
func (g *Gateway) UpdateCustomer(ctx context.Context, r Request) (Outcome[crm.Customer], error) {
	return run(ctx, g, approval.ActionCustomerUpdate, r, func(ctx context.Context, p approval.CustomerPayload, _ string) (crm.Customer, error) {
		return g.w.updateCustomer(ctx, r.Requester, p)
	})
}

// CreateSale records a sale or defers it for review.
func (g *Gateway) CreateSale(ctx context.Context, r Request) (Outcome[crm.Sale], error) {
	return run(ctx, g, approval.ActionSaleCreate, r, func(ctx context.Context, p approval.SalePayload, id string) (crm.Sale, error) {
		return g.w.createSale(ctx, r.Requester, p, id)
	})
}

// UpdateSale changes a sale or defers the change for review.
func (g *Gateway) UpdateSale(ctx context.Context, r Request) (Outcome[crm.Sale], error) {
	return run(ctx, g, approval.ActionSaleUpdate, r, func(ctx context.Context, p approval.SalePayload, _ string) (crm.Sale, error) {
		return g.w.updateSale(ctx, r.Requester, p)
	})
}

// DeleteSale deletes a sale once approved. Deletion always needs review, so
// the outcome is PENDING_APPROVAL unless the thresholds say otherwise.
func (g *Gateway) DeleteSale(ctx context.Context, r Request) (Outcome[crm.Sale], error) {
	return run(ctx, g, approval.ActionSaleDelete, r, func(ctx context.Context, p approval.SaleDeletePayload, _ string) (crm.Sale, error) {
		return g.w.deleteSale(ctx, r.Requester, p)
	})
}

// UpdateProduct changes a product or defers the change for review.
func (g *Gateway) UpdateProduct(ctx context.Context, r Request) (Outcome[crm.Product], error) {
	return run(ctx, g, approval.ActionProductUpdate, r, func(ctx context.Context, p approval.ProductUpdatePayload, _ string) (crm.Product, error) {
		return g.w.updateProduct(ctx, r.Requester, p)
	})
}

// ApplyDiscount sets a sale's discount or defers it for review.
func (g *Gateway) ApplyDiscount(ctx context.Context, r Request) (Outcome[crm.Sale], error) {
	return run(ctx, g, approval.ActionDiscountApply, r, func(ctx context.Context, p approval.DiscountPayload, _ string) (crm.Sale, error) {
		return g.w.applyDiscount(ctx, r.Requester, p)
	})
}

// AssignFloor moves a staff member to another floor once approved.
func (g *Gateway) AssignFloor(ctx context.Context, r Request) (Outcome[crm.FloorAssignment], error) {
	return run(ctx, g, approval.ActionFloorAssignment, r, func(ctx context.Context, p approval.FloorAssignmentPayload, _ string) (crm.FloorAssignment, error) {
		return g.w.assignFloor(ctx, r.Requester, p)
	})
}

// run validates the payload shape, then lets the orchestrator choose between
// executing apply now and persisting a PENDING request.
func run[P approval.Payload, T any](ctx context.Context, g *Gateway, action approval.ActionType, r Request,
	apply func(context.Context, P, string) (T, error)) (Outcome[T], error) {

	p, err := decodeAs[P](action, r.Data)
	if err != nil {
		return Outcome[T]{}, err
	}

	res, err := workflow.Run(ctx, g.orch, r.submission(action), func(ctx context.Context) (T, error) {
		return apply(ctx, p, g.newID())
	})
	if err != nil {
		return Outcome[T]{}, err
	}

	if res.Immediate {
		v := res.Value
		return Outcome[T]{Status: StatusCompleted, Entity: &v}, nil
	}
	return Outcome[T]{
		Status:           StatusPendingApproval,
		ApprovalID:       res.Request.ID,
		Request:          res.Request,
		RequiresApproval: true,
		Deduplicated:     res.Deduplicated,
	}, nil
}

// decodeAs decodes raw and checks the identifiers the write will need.
// Failures are reported as *approval.PolicyError so callers see one error
// kind for every malformed payload.
func decodeAs[P approval.Payload](action approval.ActionType, raw json.RawMessage) (P, error) {
	var zero P
	decoded, err := approval.DecodePayload(action, raw)
	if err != nil {
		return zero, &approval.PolicyError{Action: action, Reason: err.Error()}
	}
	p, ok := decoded.(P)
	if !ok {
		return zero, &approval.PolicyError{Action: action, Reason: "payload does not match action"}
	}
	if field, reason := validate(decoded); field != "" {
		return zero, &approval.PolicyError{Action: action, Field: field, Reason: reason}
	}
	return p, nil
}
