package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Deployment environments. Each selects a logging preset.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// LevelTrace is more verbose than debug. The engine logs per-entry transitions at this level.
const LevelTrace = slog.LevelDebug - 4

var levelNames = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to info.
func ParseLevel(level string) slog.Level {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return slog.LevelInfo
}

// ForEnvironment returns the preset for env: readable text with source locations
// while developing, quiet text under test and JSON in production. Unknown
// environments get DefaultConfig.
func ForEnvironment(env string) Config {
	env = strings.ToLower(strings.TrimSpace(env))
	switch env {
	case EnvDevelopment:
		return Config{Level: "debug", Format: "text", AddSource: true, Environment: env}
	case EnvTest:
		return Config{Level: "warn", Format: "text", Environment: env}
	case EnvProduction:
		return Config{Level: "info", Format: "json", Environment: env}
	}
	return DefaultConfig
}

// ConfigFromEnv selects the preset named by the ENVIRONMENT variable. Level and
// format overrides are applied by the config package.
func ConfigFromEnv() Config {
	return ForEnvironment(os.Getenv("ENVIRONMENT"))
}
