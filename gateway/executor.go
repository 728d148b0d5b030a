package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/audit"
	"github.com/lirancohen/loupe/crm"
	"github.com/lirancohen/loupe/workflow"
)

// Common errors returned by the Executor.
var (
	// ErrNotApproved indicates an execution attempt for a request that is not APPROVED.
	ErrNotApproved = errors.New("request is not approved")

	// ErrExecutionInProgress indicates another caller holds the execution
	// claim of the request. Retrying later either finds the write done or
	// the claim released.
	ErrExecutionInProgress = errors.New("execution in progress")
)

// DefaultClaimTimeout is how long an execution claim blocks other callers
// when its holder never records an outcome.
const DefaultClaimTimeout = 5 * time.Minute

// claimTries bounds how often Execute re-reads the trail after losing a
// sequence race to an unrelated append.
const claimTries = 3

// Execution describes the write performed for an approved request.
type Execution struct {
	RequestID  string `json:"requestId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Entity     any    `json:"entity,omitempty"`

	// AlreadyExecuted is set when the audit trail shows an earlier execution;
	// Entity is nil then.
	AlreadyExecuted bool `json:"alreadyExecuted,omitempty"`
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Store receives the deferred writes.
	// Required.
	Store crm.Store

	// Audit records executions and guards against running one twice.
	// Optional; without it every call writes.
	Audit audit.Store

	// ClaimTimeout is the age after which an execution claim with no outcome
	// is taken over. If zero, DefaultClaimTimeout is used.
	ClaimTimeout time.Duration

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Clock returns the current time. If nil, time.Now is used.
	Clock func() time.Time
}

// Executor runs the deferred mutation of an approved request from its
// stored RequestData. It is safe for concurrent use.
type Executor struct {
	w            writer
	audit        audit.Store
	recorder     *audit.Recorder
	logger       Logger
	clock        func() time.Time
	claimTimeout time.Duration
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: Store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}

	e := &Executor{
		w:            writer{store: cfg.Store, logger: cfg.Logger, clock: cfg.Clock},
		audit:        cfg.Audit,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		claimTimeout: cfg.ClaimTimeout,
	}
	if cfg.Audit != nil {
		e.recorder = audit.NewRecorder(cfg.Audit, cfg.Clock)
	}
	return e, nil
}

// Execute performs the write req was deferring. Entities created this way
// take the request id as their id.
//
// Before writing, Execute claims the request by appending an
// execution_started entry right after the last entry it read. The audit
// store accepts one entry per sequence, so of two concurrent callers only one
// writes; the other sees ErrExecutionInProgress, or the earlier Execution
// with AlreadyExecuted set once the winner has finished. A failed write is
// recorded on the trail and releases the claim.
func (e *Executor) Execute(ctx context.Context, req approval.Request) (Execution, error) {
	if req.Status != approval.StatusApproved {
		return Execution{}, fmt.Errorf("execute %s: %w (status %s)", req.ID, ErrNotApproved, req.Status)
	}

	p, err := req.Payload()
	if err != nil {
		return Execution{}, fmt.Errorf("execute %s: %w", req.ID, err)
	}
	if p == nil {
		return Execution{}, fmt.Errorf("execute %s: %w: unknown action %s", req.ID, approval.ErrInvalidPayload, req.ActionType)
	}

	attempt, done, err := e.claim(ctx, req)
	if err != nil {
		return Execution{}, err
	}
	if done != nil {
		e.logger.Info("request already executed", "request_id", req.ID, "entity_id", done.EntityID)
		return *done, nil
	}

	v, err := e.w.apply(ctx, req.Requester(), p, req.ID)
	if err != nil {
		err = fmt.Errorf("execute %s: %w", req.ID, err)
		e.record(ctx, audit.Record{
			StreamID: req.ID,
			Type:     audit.EntryExecutionFailed,
			ActorID:  audit.SystemActor,
			Data:     audit.ExecutionFailedData{Error: err.Error(), Attempt: attempt},
			Metadata: map[string]string{
				audit.MetaTenantID:   req.TenantID,
				audit.MetaActionType: string(req.ActionType),
			},
		})
		return Execution{}, err
	}

	exec := Execution{RequestID: req.ID, Entity: v}
	if ent, ok := v.(workflow.AuditEntity); ok {
		exec.EntityType, exec.EntityID = ent.AuditEntity()
	}

	e.logger.Info("approved request executed", "request_id", req.ID, "action", req.ActionType, "entity_id", exec.EntityID, "attempt", attempt)
	e.record(ctx, audit.Record{
		StreamID: req.ID,
		Type:     audit.EntryExecuted,
		ActorID:  audit.SystemActor,
		Data:     audit.ExecutedData{EntityType: exec.EntityType, EntityID: exec.EntityID},
		Metadata: map[string]string{
			audit.MetaTenantID:   req.TenantID,
			audit.MetaActionType: string(req.ActionType),
			audit.MetaEntityType: exec.EntityType,
			audit.MetaEntityID:   exec.EntityID,
		},
	})
	return exec, nil
}

// claim appends the execution_started entry for req and returns its attempt
// number, or returns the earlier Execution when the trail already has one.
func (e *Executor) claim(ctx context.Context, req approval.Request) (int, *Execution, error) {
	if e.audit == nil {
		return 0, nil, nil
	}

	for try := 1; ; try++ {
		entries, err := e.audit.Load(ctx, req.ID)
		if err != nil {
			return 0, nil, fmt.Errorf("load trail %s: %w", req.ID, err)
		}

		st, err := executionStateOf(req.ID, entries)
		if err != nil {
			return 0, nil, err
		}
		if st.done != nil {
			return 0, st.done, nil
		}
		if st.open != nil && e.clock().Sub(st.open.Timestamp) < e.claimTimeout {
			return 0, nil, fmt.Errorf("execute %s: %w (attempt %d started %s)",
				req.ID, ErrExecutionInProgress, st.attempts, st.open.Timestamp.Format(time.RFC3339))
		}

		attempt := st.attempts + 1
		_, err = e.recorder.RecordAfter(ctx, audit.Record{
			StreamID: req.ID,
			Type:     audit.EntryExecutionStarted,
			ActorID:  audit.SystemActor,
			Data:     audit.ExecutionStartedData{Attempt: attempt},
			Metadata: map[string]string{
				audit.MetaTenantID:   req.TenantID,
				audit.MetaActionType: string(req.ActionType),
			},
		}, st.last)
		switch {
		case err == nil:
			return attempt, nil, nil
		case errors.Is(err, audit.ErrSequenceConflict) && try < claimTries:
			continue
		case errors.Is(err, audit.ErrSequenceConflict):
			return 0, nil, fmt.Errorf("execute %s: %w", req.ID, ErrExecutionInProgress)
		default:
			return 0, nil, fmt.Errorf("claim execution %s: %w", req.ID, err)
		}
	}
}

// executionState is what a request's trail says about its deferred write.
type executionState struct {
	last     int64
	attempts int
	open     *audit.Entry
	done     *Execution
}

func executionStateOf(requestID string, entries []audit.Entry) (executionState, error) {
	var st executionState
	for i, entry := range entries {
		st.last = entry.Sequence
		switch entry.Type {
		case audit.EntryExecutionStarted:
			st.attempts++
			st.open = &entries[i]
		case audit.EntryExecutionFailed:
			st.open = nil
		case audit.EntryExecuted:
			var data audit.ExecutedData
			if err := json.Unmarshal(entry.Data, &data); err != nil {
				return executionState{}, fmt.Errorf("decode execution entry: %w", err)
			}
			st.open = nil
			st.done = &Execution{
				RequestID:       requestID,
				EntityType:      data.EntityType,
				EntityID:        data.EntityID,
				AlreadyExecuted: true,
			}
		}
	}
	return st, nil
}

func (e *Executor) record(ctx context.Context, rec audit.Record) {
	if e.recorder == nil {
		return
	}
	if _, err := e.recorder.Record(ctx, rec); err != nil {
		e.logger.Warn("audit append failed", "stream_id", rec.StreamID, "type", rec.Type, "error", err)
	}
}
