// Package logging provides structured logging for quotesync on top of log/slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/c0deZ3R0/quotesync/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level"`             // trace, debug, info, warn, error
	Format      string `json:"format" yaml:"format"`           // text, json
	AddSource   bool   `json:"add_source" yaml:"add_source"`   // whether to add source code information
	Environment string `json:"environment" yaml:"environment"` // development, production, test
}

// DefaultConfig is used by Default when Init was never called.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: EnvProduction,
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Operation and Component are LogValuers so every package renders them the same way.
type Operation string

func (o Operation) LogValue() slog.Value { return slog.StringValue(string(o)) }

type Component string

func (c Component) LogValue() slog.Value { return slog.StringValue(string(c)) }

// SyncErrorValuer provides structured logging for SyncError
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
		slog.String("error", e.Err.Error()),
	}
	if e.Code != "" {
		attrs = append(attrs, slog.String("code", string(e.Code)))
	}
	if len(e.Metadata) > 0 {
		meta := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Attr{Key: "metadata", Value: slog.GroupValue(meta...)})
	}
	return slog.GroupValue(attrs...)
}

// NewLogger creates a logger writing to stdout.
func NewLogger(config Config) *Logger {
	return NewLoggerTo(os.Stdout, config)
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops every record. Tests use it to keep output quiet.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Init installs the process-wide logger and makes it slog's default.
func Init(config Config) {
	InitTo(os.Stdout, config)
}

// InitTo is Init with an explicit destination. The CLI logs to stderr so command
// output stays clean on stdout.
func InitTo(w io.Writer, config Config) {
	l := NewLoggerTo(w, config)
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// Default returns the process-wide logger, initialising it from DefaultConfig if needed.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(DefaultConfig)
	}
	return defaultLogger
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// LogError logs err with caller information. SyncErrors are expanded into a group.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)

	if syncErr, ok := err.(*errors.SyncError); ok {
		args = append(args, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}

	if pc, file, line, ok := runtime.Caller(1); ok {
		name := ""
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
		args = append(args, slog.Group("caller",
			slog.String("file", file),
			slog.Int("line", line),
			slog.String("function", name),
		))
	}

	for _, attr := range attrs {
		args = append(args, attr)
	}
	l.ErrorContext(ctx, msg, args...)
}

// LogOperation logs the start and end of fn with its duration.
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op).WithComponent(component)
	opLogger.DebugContext(ctx, "operation started")

	if err := fn(); err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", time.Since(start)),
		)
		return err
	}

	opLogger.DebugContext(ctx, "operation completed",
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// WithComponent returns a child of the default logger.
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}

// ForComponent returns l tagged with component, or the default logger's child when l is nil.
// Constructors across the module use it for their optional logger argument.
func ForComponent(l *slog.Logger, component string) *slog.Logger {
	if l == nil {
		return WithComponent(Component(component)).Logger
	}
	return l.With(slog.Any("component", Component(component)))
}

// LogError logs through the default logger.
func LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	Default().LogError(ctx, err, msg, attrs...)
}
