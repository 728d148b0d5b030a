package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/audit"
)

// DefaultSweepConcurrency bounds concurrent expirations in ExpireStale.
const DefaultSweepConcurrency = 4

// DefaultSweepBatch caps the requests examined by one ExpireStale call.
const DefaultSweepBatch = 500

// Logger defines the logging interface for the manager.
// Implementations should be safe for concurrent use.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Observer receives one call per committed transition.
type Observer interface {
	ObserveTransition(op Operation, to approval.Status, elapsed time.Duration)
}

// ExpiryAction is what happens to a request left PENDING too long.
type ExpiryAction string

const (
	ExpireCancel   ExpiryAction = "cancel"
	ExpireEscalate ExpiryAction = "escalate"
)

// ExpiryPolicy configures the stale-request sweep.
// A zero After disables expiry.
type ExpiryPolicy struct {
	After  time.Duration `mapstructure:"after" yaml:"after"`
	Action ExpiryAction  `mapstructure:"action" yaml:"action"`
}

// Enabled reports whether stale requests are expired at all.
func (p ExpiryPolicy) Enabled() bool {
	return p.After > 0
}

// Validate checks the policy.
func (p ExpiryPolicy) Validate() error {
	if p.After < 0 {
		return errors.New("lifecycle: expiry after must not be negative")
	}
	switch p.Action {
	case "", ExpireCancel, ExpireEscalate:
		return nil
	default:
		return fmt.Errorf("lifecycle: unknown expiry action %q", p.Action)
	}
}

// Config configures the Manager.
type Config struct {
	// Store holds requests and escalations.
	// Required.
	Store approval.Store

	// Audit receives one entry per committed change. Optional.
	Audit audit.Store

	// Authorizer decides who may transition what. If nil, RoleMatrix{} is used.
	Authorizer Authorizer

	// Notifier is told about committed changes. If nil, notices are dropped.
	Notifier approval.Notifier

	// Observer receives transition outcomes. Optional.
	Observer Observer

	// Expiry configures ExpireStale. Disabled by default.
	Expiry ExpiryPolicy

	// SweepConcurrency bounds concurrent expirations.
	// If zero, defaults to DefaultSweepConcurrency.
	SweepConcurrency int

	// SweepBatch caps the requests one sweep examines.
	// If zero, defaults to DefaultSweepBatch.
	SweepBatch int

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Clock returns the current time. If nil, time.Now is used.
	Clock func() time.Time

	// NewID mints escalation ids. If nil, random UUIDs are used.
	NewID func() string
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("lifecycle: Store is required")
	}
	return c.Expiry.Validate()
}

// withDefaults returns a copy of the config with default values applied.
func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Authorizer == nil {
		cfg.Authorizer = RoleMatrix{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = approval.NopNotifier{}
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Expiry.Action == "" {
		cfg.Expiry.Action = ExpireCancel
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = DefaultSweepConcurrency
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultSweepBatch
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

type noopObserver struct{}

func (noopObserver) ObserveTransition(Operation, approval.Status, time.Duration) {}
