package river

import "github.com/lirancohen/loupe/approval"

// Job kind constants for River job registration.
const (
	// JobKindNotify delivers one notice through one registered handler.
	JobKindNotify = "loupe.notify"

	// JobKindExecute performs the deferred write of an approved request.
	JobKindExecute = "loupe.execute_approved"

	// JobKindExpire sweeps stale PENDING requests.
	JobKindExpire = "loupe.expire_stale"
)

// NotifyJobArgs contains arguments for a notice delivery job.
// One job is inserted per handler so a failing channel retries alone.
type NotifyJobArgs struct {
	// Notice is the committed change being announced.
	Notice approval.Notice `json:"notice"`

	// Handler names the registered handler that delivers it.
	Handler string `json:"handler"`
}

// Kind implements river.JobArgs.
func (NotifyJobArgs) Kind() string {
	return JobKindNotify
}

// InsertOpts returns the default options for notify jobs.
// The returned options can be overridden when inserting the job.
func (NotifyJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 5,
	}
}

// ExecuteJobArgs contains arguments for a deferred execution job.
type ExecuteJobArgs struct {
	// RequestID is the APPROVED request whose write should run.
	RequestID string `json:"request_id"`

	// TenantID is carried for logging and queue inspection.
	TenantID string `json:"tenant_id"`
}

// Kind implements river.JobArgs.
func (ExecuteJobArgs) Kind() string {
	return JobKindExecute
}

// InsertOpts returns the default options for execute jobs. Only one job
// per request may be queued at a time.
func (ExecuteJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts:  10,
		Priority:     1,
		UniqueByArgs: true,
	}
}

// ExpireJobArgs contains arguments for the stale-request sweep.
type ExpireJobArgs struct {
	// TenantID restricts the sweep to one tenant. Empty sweeps every tenant.
	TenantID string `json:"tenant_id,omitempty"`
}

// Kind implements river.JobArgs.
func (ExpireJobArgs) Kind() string {
	return JobKindExpire
}

// InsertOpts returns the default options for expiry jobs. A failed sweep is
// not retried; the next scheduled sweep picks up the remainder.
func (ExpireJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts:  1,
		UniqueByArgs: true,
	}
}

// InsertOpts mirrors River's InsertOpts for job configuration.
// This allows job args to specify default insert options without
// importing River directly in this file.
type InsertOpts struct {
	// MaxAttempts is the maximum number of attempts for this job.
	// If not set, the runner's retry policy decides.
	MaxAttempts int

	// Priority is the job priority. Lower values are higher priority.
	// If not set, River's default (1) is used.
	Priority int

	// Queue is the queue to insert the job into.
	// If not set, River's default queue is used.
	Queue string

	// UniqueByArgs skips the insert while an identical job is still queued.
	UniqueByArgs bool
}
