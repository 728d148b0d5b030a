package workflow

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/audit"
	"github.com/lirancohen/loupe/policy"
)

// Logger defines the logging interface for the orchestrator.
// Implementations should be safe for concurrent use.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Evaluator is the policy collaborator. *policy.Evaluator implements it.
type Evaluator interface {
	Evaluate(action approval.ActionType, raw json.RawMessage) (policy.Decision, error)
}

// Observer receives one call per finished submission.
// Outcome is one of the Outcome* constants.
type Observer interface {
	ObserveSubmission(action approval.ActionType, outcome string, elapsed time.Duration)
}

// Submission outcomes reported to the Observer.
const (
	OutcomeImmediate     = "immediate"
	OutcomePending       = "pending"
	OutcomeDeduplicated  = "deduplicated"
	OutcomePolicyError   = "policy_error"
	OutcomePersistError  = "persistence_error"
	OutcomeMutationError = "mutation_error"
)

// Config configures the Orchestrator.
type Config struct {
	// Evaluator decides whether a submission needs review.
	// Required.
	Evaluator Evaluator

	// Store persists PENDING requests.
	// Required.
	Store approval.RequestStore

	// Audit receives auto-approval and submission entries. Optional.
	Audit audit.Store

	// Notifier is told about new PENDING requests. If nil, notices are dropped.
	Notifier approval.Notifier

	// Observer receives submission outcomes. Optional.
	Observer Observer

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Clock returns the current time. If nil, time.Now is used.
	Clock func() time.Time

	// NewID mints request ids. If nil, random UUIDs are used.
	NewID func() string
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Evaluator == nil {
		return errors.New("workflow: Evaluator is required")
	}
	if c.Store == nil {
		return errors.New("workflow: Store is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Notifier == nil {
		cfg.Notifier = approval.NopNotifier{}
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
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

// noopLogger is a Logger that discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopObserver struct{}

func (noopObserver) ObserveSubmission(approval.ActionType, string, time.Duration) {}
