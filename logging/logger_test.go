package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/quotesync/errors"
)

func TestLogger_JSONIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "json"})

	logger.WithComponent(Component("engine")).Info("cycle finished", slog.Int("confirmed", 3))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, float64(3), line["confirmed"])
}

func TestLogger_LogErrorExpandsSyncError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "info", Format: "json"})

	err := errors.E(errors.OpSubmit, errors.Component("gateway"), errors.KindTransient, fmt.Errorf("503"))
	logger.LogError(context.Background(), err, "submit failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	group, ok := line["sync_error"].(map[string]any)
	require.True(t, ok, "sync_error group missing: %s", buf.String())
	assert.Equal(t, "transient", group["kind"])
	assert.Equal(t, true, group["retryable"])
	assert.Contains(t, line, "caller")
}

func TestLogger_LogOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "text"})

	err := logger.LogOperation(context.Background(), Operation("purge"), Component("journal"), func() error {
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "operation completed")

	buf.Reset()
	boom := fmt.Errorf("boom")
	err = logger.LogOperation(context.Background(), Operation("purge"), Component("journal"), func() error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), "operation failed")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("TRACE"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestForEnvironment(t *testing.T) {
	dev := ForEnvironment(" Development ")
	assert.Equal(t, EnvDevelopment, dev.Environment)
	assert.Equal(t, "text", dev.Format)
	assert.True(t, dev.AddSource)
	assert.Equal(t, slog.LevelDebug, ParseLevel(dev.Level))

	assert.Equal(t, "json", ForEnvironment(EnvProduction).Format)
	assert.Equal(t, "warn", ForEnvironment(EnvTest).Level)
	assert.Equal(t, DefaultConfig, ForEnvironment("staging"))

	t.Setenv("ENVIRONMENT", "test")
	assert.Equal(t, EnvTest, ConfigFromEnv().Environment)
}

func TestForComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ForComponent(base, "bus").Info("hello")
	assert.True(t, strings.Contains(buf.String(), "component=bus"), buf.String())
	assert.NotNil(t, ForComponent(nil, "bus"))
}
