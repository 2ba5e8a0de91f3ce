package synckit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ObservableResolver wraps a ConflictResolver with metrics and logging. The engine
// installs one around whatever resolver it is given.
type ObservableResolver struct {
	wrapped ConflictResolver
	metrics MetricsCollector
	logger  *slog.Logger
}

var _ ConflictResolver = (*ObservableResolver)(nil)

// ObservableOption configures an ObservableResolver.
type ObservableOption interface {
	apply(*ObservableResolver)
}

type observableOptionFunc func(*ObservableResolver)

func (f observableOptionFunc) apply(or *ObservableResolver) { f(or) }

// WithMetricsCollector sets the metrics collector for the resolver.
func WithMetricsCollector(mc MetricsCollector) ObservableOption {
	return observableOptionFunc(func(or *ObservableResolver) { or.metrics = mc })
}

// WithObservableLogger sets the logger for the resolver.
func WithObservableLogger(logger *slog.Logger) ObservableOption {
	return observableOptionFunc(func(or *ObservableResolver) { or.logger = logger })
}

// NewObservableResolver wraps resolver.
func NewObservableResolver(resolver ConflictResolver, opts ...ObservableOption) *ObservableResolver {
	or := &ObservableResolver{wrapped: resolver}
	for _, opt := range opts {
		opt.apply(or)
	}
	if or.metrics == nil {
		or.metrics = &NoOpMetricsCollector{}
	}
	return or
}

// Unwrap returns the wrapped resolver.
func (or *ObservableResolver) Unwrap() ConflictResolver { return or.wrapped }

func (or *ObservableResolver) Resolve(ctx context.Context, c ConflictCase) (Resolution, error) {
	start := time.Now()
	res, err := or.wrapped.Resolve(ctx, c)
	duration := time.Since(start)

	if err != nil {
		or.metrics.RecordSyncErrors("conflict_resolve", classifyError(err))
		if or.logger != nil {
			or.logger.ErrorContext(ctx, "Conflict resolution failed",
				slog.String("key", c.Remote.Key().String()),
				slog.Any("error", err),
				slog.Duration("duration", duration))
		}
		return res, err
	}

	or.metrics.RecordConflict(c.Remote.Kind, res.Decision)
	if or.logger != nil {
		or.logger.InfoContext(ctx, "Conflict resolved",
			slog.String("key", c.Remote.Key().String()),
			slog.String("decision", res.Decision),
			slog.Int("conflicting_fields", len(res.Conflicts)),
			slog.Any("reasons", res.Reasons),
			slog.Duration("duration", duration))
	}
	return res, nil
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "generic"
	}
}
