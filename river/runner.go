package river

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/retry"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
)

// Common errors returned by the Runner.
var (
	// ErrRunnerNotStarted indicates an operation was attempted before Start.
	ErrRunnerNotStarted = errors.New("runner not started")

	// ErrRunnerAlreadyStarted indicates Start was called twice.
	ErrRunnerAlreadyStarted = errors.New("runner already started")
)

// Runner queues and processes the engine's background jobs.
// It implements approval.Notifier: every committed change becomes one
// delivery job per subscribed handler, and an approved notice additionally
// becomes an execute job.
type Runner interface {
	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Notify enqueues delivery of n.
	Notify(ctx context.Context, n approval.Notice) error

	// Explicit enqueueing
	EnqueueExecution(ctx context.Context, req approval.Request) error
	EnqueueExpiry(ctx context.Context, tenantID string) error
}

// runner is the concrete implementation of Runner.
type runner struct {
	pool     *pgxpool.Pool
	registry *Registry
	logger   Logger
	config   Config

	client  *river.Client[pgx.Tx]
	started bool
	mu      sync.RWMutex
}

var _ approval.Notifier = (*runner)(nil)

// NewRunner creates a new Runner with the given configuration.
// Returns an error if required configuration is missing.
func NewRunner(config Config) (*runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()

	return &runner{
		pool:     cfg.Pool,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		config:   cfg,
	}, nil
}

// Start initializes the River client and starts workers.
// Must be called before any jobs are enqueued.
func (r *runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerAlreadyStarted
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &notifyWorker{registry: r.registry, logger: r.logger})
	river.AddWorker(workers, &executeWorker{registry: r.registry, logger: r.logger})
	river.AddWorker(workers, &expireWorker{registry: r.registry, logger: r.logger})

	riverConfig := &river.Config{
		Workers:      workers,
		JobTimeout:   r.config.JobTimeout,
		MaxAttempts:  r.config.RetryPolicy.MaxAttempts,
		RetryPolicy:  &retryPolicy{policy: r.config.RetryPolicy, now: time.Now},
		ErrorHandler: &errorHandler{logger: r.logger},
	}

	// Workers=0 is insert-only: no queues, no periodic jobs.
	if r.config.Workers > 0 {
		riverConfig.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: r.config.Workers},
		}
		if r.config.ExpiryInterval > 0 {
			riverConfig.PeriodicJobs = []*river.PeriodicJob{
				river.NewPeriodicJob(
					river.PeriodicInterval(r.config.ExpiryInterval),
					func() (river.JobArgs, *river.InsertOpts) {
						args := ExpireJobArgs{}
						return args, args.InsertOpts().riverOpts()
					},
					&river.PeriodicJobOpts{RunOnStart: true},
				),
			}
		}
	}

	client, err := river.NewClient(riverpgxv5.New(r.pool), riverConfig)
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}

	r.client = client

	if r.config.Workers > 0 {
		if err := r.client.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
	}

	r.started = true
	r.logger.Info("runner started", "workers", r.config.Workers, "expiry_interval", r.config.ExpiryInterval)

	return nil
}

// Stop gracefully shuts down the runner.
// Waits for in-flight jobs up to ShutdownTimeout.
func (r *runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
	defer cancel()

	if r.config.Workers > 0 {
		if err := r.client.Stop(shutdownCtx); err != nil {
			r.logger.Warn("river client stop error", "error", err)
		}
	}

	r.started = false
	r.logger.Info("runner stopped")

	return nil
}

func (r *runner) riverClient() (*river.Client[pgx.Tx], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.started {
		return nil, ErrRunnerNotStarted
	}
	return r.client, nil
}

// Notify inserts one delivery job per handler subscribed to n.Kind, plus an
// execute job for approved notices when an executor is registered. All jobs
// of one notice are inserted together.
func (r *runner) Notify(ctx context.Context, n approval.Notice) error {
	client, err := r.riverClient()
	if err != nil {
		return err
	}

	params := r.noticeJobs(n)
	if len(params) == 0 {
		return nil
	}

	if _, err := client.InsertMany(ctx, params); err != nil {
		return fmt.Errorf("insert notice jobs: %w", err)
	}

	r.logger.Debug("notice queued", "kind", n.Kind, "request_id", n.RequestID, "jobs", len(params))
	return nil
}

func (r *runner) noticeJobs(n approval.Notice) []river.InsertManyParams {
	var params []river.InsertManyParams

	for _, h := range r.registry.Handlers(n.Kind) {
		args := NotifyJobArgs{Notice: n, Handler: h.Name}
		params = append(params, river.InsertManyParams{Args: args, InsertOpts: args.InsertOpts().riverOpts()})
	}

	if n.Kind == approval.NoticeApproved && n.RequestID != "" {
		if _, err := r.registry.Executor(); err == nil {
			args := ExecuteJobArgs{RequestID: n.RequestID, TenantID: n.TenantID}
			params = append(params, river.InsertManyParams{Args: args, InsertOpts: args.InsertOpts().riverOpts()})
		}
	}

	return params
}

// EnqueueExecution queues the deferred write of an approved request, for
// example to retry one whose execute job was discarded.
func (r *runner) EnqueueExecution(ctx context.Context, req approval.Request) error {
	if req.Status != approval.StatusApproved {
		return fmt.Errorf("enqueue execution %s: request is %s", req.ID, req.Status)
	}

	client, err := r.riverClient()
	if err != nil {
		return err
	}

	args := ExecuteJobArgs{RequestID: req.ID, TenantID: req.TenantID}
	if _, err := client.Insert(ctx, args, args.InsertOpts().riverOpts()); err != nil {
		return fmt.Errorf("insert execute job: %w", err)
	}

	r.logger.Info("execution queued", "request_id", req.ID)
	return nil
}

// EnqueueExpiry queues an immediate stale-request sweep of tenantID, or of
// every tenant when empty.
func (r *runner) EnqueueExpiry(ctx context.Context, tenantID string) error {
	client, err := r.riverClient()
	if err != nil {
		return err
	}

	args := ExpireJobArgs{TenantID: tenantID}
	if _, err := client.Insert(ctx, args, args.InsertOpts().riverOpts()); err != nil {
		return fmt.Errorf("insert expire job: %w", err)
	}
	return nil
}

// riverOpts converts the job defaults to River's insert options.
func (o InsertOpts) riverOpts() *river.InsertOpts {
	opts := &river.InsertOpts{
		MaxAttempts: o.MaxAttempts,
		Priority:    o.Priority,
		Queue:       o.Queue,
	}
	if o.UniqueByArgs {
		opts.UniqueOpts = river.UniqueOpts{ByArgs: true}
	}
	return opts
}

// retryPolicy spaces River retries with the engine's backoff policy.
type retryPolicy struct {
	policy *retry.Policy
	now    func() time.Time
}

// NextRetry implements river.ClientRetryPolicy. job.Attempt is the attempt
// that just failed, which is the 1-indexed retry number NextDelay expects.
func (p *retryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	return p.now().Add(p.policy.NextDelay(job.Attempt))
}

// errorHandler handles River job errors.
type errorHandler struct {
	logger Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.Error("job error", "job_kind", job.Kind, "job_id", job.ID, "attempt", job.Attempt, "error", err)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.Error("job panic", "job_kind", job.Kind, "job_id", job.ID, "panic", panicVal, "trace", trace)
	return nil
}
