package river

import (
	"context"
	"errors"
	"fmt"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/crm"
	"github.com/lirancohen/loupe/gateway"
	"github.com/lirancohen/loupe/retry"
	"github.com/riverqueue/river"
)

// notifyWorker delivers one notice through one handler.
type notifyWorker struct {
	river.WorkerDefaults[NotifyJobArgs]
	registry *Registry
	logger   Logger
}

// Work runs the named handler. Jobs for handlers that were unsubscribed
// after the insert complete without delivering.
func (w *notifyWorker) Work(ctx context.Context, job *river.Job[NotifyJobArgs]) error {
	args := job.Args

	h, err := w.registry.Handler(args.Handler)
	if errors.Is(err, ErrHandlerNotFound) {
		w.logger.Warn("dropping notice for unknown handler", "handler", args.Handler, "kind", args.Notice.Kind)
		return nil
	}
	if err != nil {
		return err
	}

	if err := h.HandleNotice(ctx, args.Notice); err != nil {
		if retry.IsPermanent(err) {
			return river.JobCancel(fmt.Errorf("deliver %s via %s: %w", args.Notice.Kind, args.Handler, err))
		}
		return fmt.Errorf("deliver %s via %s: %w", args.Notice.Kind, args.Handler, err)
	}

	w.logger.Debug("notice delivered",
		"handler", args.Handler,
		"kind", args.Notice.Kind,
		"request_id", args.Notice.RequestID,
	)
	return nil
}

// executeWorker performs the deferred write of an approved request.
type executeWorker struct {
	river.WorkerDefaults[ExecuteJobArgs]
	registry *Registry
	logger   Logger
}

// Work executes the request. Failures that a retry cannot fix cancel the
// job; an execution held by another caller is retried later.
func (w *executeWorker) Work(ctx context.Context, job *river.Job[ExecuteJobArgs]) error {
	args := job.Args

	exec, err := w.registry.Executor()
	if err != nil {
		return river.JobCancel(err)
	}

	res, err := exec.ExecuteApproved(ctx, args.RequestID)
	if err != nil {
		if errors.Is(err, gateway.ErrExecutionInProgress) {
			w.logger.Debug("execution held by another caller", "request_id", args.RequestID, "attempt", job.Attempt)
			return err
		}
		if permanentExecutionError(err) {
			return river.JobCancel(err)
		}
		return err
	}

	if res.AlreadyExecuted {
		w.logger.Info("execution skipped, already done", "request_id", args.RequestID)
		return nil
	}
	w.logger.Info("approved request executed",
		"request_id", args.RequestID,
		"tenant_id", args.TenantID,
		"entity_type", res.EntityType,
		"entity_id", res.EntityID,
		"attempt", job.Attempt,
	)
	return nil
}

func permanentExecutionError(err error) bool {
	return errors.Is(err, gateway.ErrNotApproved) ||
		errors.Is(err, approval.ErrNotFound) ||
		errors.Is(err, approval.ErrInvalidPayload) ||
		errors.Is(err, crm.ErrNotFound) ||
		retry.IsPermanent(err)
}

// expireWorker runs the stale-request sweep.
type expireWorker struct {
	river.WorkerDefaults[ExpireJobArgs]
	registry *Registry
	logger   Logger
}

// Work expires stale requests of the job's tenant, or of every tenant.
func (w *expireWorker) Work(ctx context.Context, job *river.Job[ExpireJobArgs]) error {
	x, err := w.registry.Expirer()
	if err != nil {
		return river.JobCancel(err)
	}

	n, err := x.ExpireStale(ctx, job.Args.TenantID)
	if err != nil {
		return fmt.Errorf("expire stale: %w", err)
	}

	w.logger.Debug("expiry sweep finished", "tenant_id", job.Args.TenantID, "expired", n)
	return nil
}
