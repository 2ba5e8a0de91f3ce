package synckit

import (
	"fmt"
	"log/slog"
	"time"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
)

// Options tunes the sync engine.
type Options struct {
	// SyncInterval is the period of the auto-sync loop.
	SyncInterval time.Duration `json:"interval" yaml:"interval"`

	// CallTimeout bounds each gateway call. Expiry counts as a transient failure.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`

	// MaxRetries is how many times a transiently failing entry is retried after its
	// first attempt before it is marked failed.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	Backoff BackoffConfig `json:"backoff" yaml:"backoff"`

	// Concurrency caps how many records are synchronized in parallel. Zero means
	// the default.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// MaxConflictRounds caps how often a merged payload is resubmitted after
	// further version conflicts. Zero disables resubmission: a merge that differs
	// from the remote record fails the entry.
	MaxConflictRounds int `json:"max_conflict_rounds" yaml:"max_conflict_rounds"`
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		SyncInterval:      30 * time.Second,
		CallTimeout:       10 * time.Second,
		MaxRetries:        5,
		Backoff:           DefaultBackoff(),
		Concurrency:       4,
		MaxConflictRounds: 3,
	}
}

// withDefaults replaces zero values with defaults. MaxRetries and MaxConflictRounds
// may legitimately be zero.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SyncInterval == 0 {
		o.SyncInterval = d.SyncInterval
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = d.CallTimeout
	}
	if o.Backoff.InitialDelay == 0 {
		o.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if o.Backoff.MaxDelay == 0 {
		o.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	if o.Backoff.Multiplier == 0 {
		o.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if o.Concurrency == 0 {
		o.Concurrency = d.Concurrency
	}
	return o
}

// Validate reports the first invalid setting.
func (o Options) Validate() error {
	switch {
	case o.SyncInterval < 0:
		return fmt.Errorf("sync interval must be positive, got %s", o.SyncInterval)
	case o.CallTimeout < 0:
		return fmt.Errorf("call timeout must be positive, got %s", o.CallTimeout)
	case o.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", o.MaxRetries)
	case o.Concurrency < 0:
		return fmt.Errorf("concurrency must not be negative, got %d", o.Concurrency)
	case o.MaxConflictRounds < 0:
		return fmt.Errorf("max conflict rounds must not be negative, got %d", o.MaxConflictRounds)
	}
	return o.Backoff.Validate()
}

// EngineOption is a functional option for NewEngine.
type EngineOption func(*Engine) error

// WithOptions replaces the engine tuning wholesale.
func WithOptions(o Options) EngineOption {
	return func(e *Engine) error {
		e.opts = o
		return nil
	}
}

// WithSyncInterval sets the interval for automatic synchronization.
func WithSyncInterval(interval time.Duration) EngineOption {
	return func(e *Engine) error {
		e.opts.SyncInterval = interval
		return nil
	}
}

// WithCallTimeout sets the per-call gateway timeout.
func WithCallTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		e.opts.CallTimeout = d
		return nil
	}
}

// WithMaxRetries sets how many transient failures an entry survives.
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) error {
		e.opts.MaxRetries = n
		return nil
	}
}

// WithBackoff sets the retry backoff.
func WithBackoff(b BackoffConfig) EngineOption {
	return func(e *Engine) error {
		e.opts.Backoff = b
		return nil
	}
}

// WithConcurrency caps parallel record lanes.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) error {
		e.opts.Concurrency = n
		return nil
	}
}

// WithMaxConflictRounds caps merge resubmissions.
func WithMaxConflictRounds(n int) EngineOption {
	return func(e *Engine) error {
		e.opts.MaxConflictRounds = n
		return nil
	}
}

// WithConflictResolver sets the conflict resolution strategy.
func WithConflictResolver(r ConflictResolver) EngineOption {
	return func(e *Engine) error {
		if r == nil {
			return syncErrors.NewValidationError(syncErrors.OpResolve, fmt.Errorf("conflict resolver must not be nil"))
		}
		e.resolver = r
		return nil
	}
}

// WithAuditTrail records every conflict resolution in trail.
func WithAuditTrail(trail AuditTrail) EngineOption {
	return func(e *Engine) error {
		e.audit = trail
		return nil
	}
}

// WithPublisher sets where events go, usually a notify.Bus.
func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) error {
		e.publisher = p
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) error {
		e.clock = c
		return nil
	}
}

// WithLogger sets a custom logger for the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}
