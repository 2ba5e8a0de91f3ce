package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/synckit"
)

const sample = `
sync:
  interval: 5s
  call_timeout: 2s
  max_retries: 2
  backoff:
    initial_delay: 500ms
    max_delay: 10s
    multiplier: 3
  concurrency: 8
storage:
  driver: postgres
  dsn: postgres://quotes@localhost/quotes?sslmode=disable
gateway:
  base_url: https://quotes.example.com/api
  token: secret
  timeout: 15s
  max_body_bytes: 1048576
policy:
  default:
    shared: remote
  kinds:
    quote:
      shared: local
      fields:
        price: remote
audit:
  capacity: 10
http:
  addr: 127.0.0.1:9090
logging:
  level: debug
  format: text
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Sync.SyncInterval)
	assert.Equal(t, 2*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, 2, cfg.Sync.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.Backoff.InitialDelay)
	assert.Equal(t, 3.0, cfg.Sync.Backoff.Multiplier)
	assert.Equal(t, 8, cfg.Sync.Concurrency)
	assert.Equal(t, 3, cfg.Sync.MaxConflictRounds, "unset keys keep their defaults")

	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.True(t, cfg.Storage.WALEnabled())
	assert.Equal(t, "https://quotes.example.com/api", cfg.Gateway.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, int64(1<<20), cfg.Gateway.MaxBodyBytes)
	assert.Equal(t, 10, cfg.Audit.Capacity)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.Contains(t, cfg.Policy.Kinds, synckit.KindQuote)
	quote := cfg.Policy.Kinds[synckit.KindQuote]
	assert.Equal(t, synckit.SideLocal, quote.Shared)
	assert.Equal(t, synckit.SideRemote, quote.Fields["price"])

	_, err = cfg.Resolver()
	require.NoError(t, err)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown key":       "sync:\n  intervall: 5s\n",
		"bad duration":      "sync:\n  interval: soon\n",
		"unknown driver":    "storage:\n  driver: mysql\n",
		"missing dsn":       "storage:\n  driver: sqlite\n  dsn: \"\"\n",
		"bad url":           "gateway:\n  base_url: quotes.example.com\n",
		"negative retries":  "sync:\n  max_retries: -1\n",
		"unknown side":      "policy:\n  default:\n    shared: sideways\n",
		"unknown kind":      "policy:\n  kinds:\n    invoice:\n      shared: local\n",
		"negative capacity": "audit:\n  capacity: -2\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			require.Error(t, err)
			assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid), "%v", err)
		})
	}
}

func TestParse_MemoryDriverNeedsNoDSN(t *testing.T) {
	cfg, err := Parse(strings.NewReader("storage:\n  driver: memory\n  dsn: \"\"\n"))
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"QUOTESYNC_STORAGE_DRIVER": "memory",
		"QUOTESYNC_GATEWAY_URL":    "http://localhost:9000",
		"QUOTESYNC_SYNC_INTERVAL":  "1m",
		"QUOTESYNC_MAX_RETRIES":    "7",
		"QUOTESYNC_LOG_LEVEL":      "warn",
		"QUOTESYNC_HTTP_ADDR":      "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "http://localhost:9000", cfg.Gateway.BaseURL)
	assert.Equal(t, time.Minute, cfg.Sync.SyncInterval)
	assert.Equal(t, 7, cfg.Sync.MaxRetries)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr, "empty values do not override")

	env["QUOTESYNC_CALL_TIMEOUT"] = "fast"
	env["QUOTESYNC_CONCURRENCY"] = "many"
	err := Default().applyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUOTESYNC_CALL_TIMEOUT")
	assert.Contains(t, err.Error(), "QUOTESYNC_CONCURRENCY")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quotesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("QUOTESYNC_GATEWAY_TOKEN=from-dotenv\nQUOTESYNC_HTTP_ADDR=:7070\n"), 0o644))

	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("QUOTESYNC_ENV_FILE", envFile)
	// Variables already in the environment win over .env.
	t.Setenv("QUOTESYNC_HTTP_ADDR", ":6060")
	t.Setenv("QUOTESYNC_GATEWAY_TOKEN", "")
	os.Unsetenv("QUOTESYNC_GATEWAY_TOKEN")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Gateway.Token)
	assert.Equal(t, ":6060", cfg.HTTP.Addr)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("QUOTESYNC_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}

func TestWatch_ReloadsPolicy(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	t.Setenv("QUOTESYNC_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	dir := t.TempDir()
	path := filepath.Join(dir, "quotesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o644))

	changes := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { changes <- c },
			WithWatchLogger(logging.Discard()), WithDebounce(20*time.Millisecond))
	}()

	// The watcher may not be registered yet; keep writing until a reload arrives.
	updated := "storage:\n  driver: memory\npolicy:\n  default:\n    shared: local\n"
	var got *Config
	require.Eventually(t, func() bool {
		select {
		case got = <-changes:
			return true
		default:
			_ = os.WriteFile(path, []byte(updated), 0o644)
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, synckit.SideLocal, got.Policy.Default.Shared)

	// Drain reloads triggered by the repeated writes.
	time.Sleep(100 * time.Millisecond)
	for len(changes) > 0 {
		<-changes
	}

	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: nosuch\n"), 0o644))
	select {
	case c := <-changes:
		t.Fatalf("invalid config delivered: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "quotesync.yaml"), func(*Config) {},
		WithWatchLogger(logging.Discard()))
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}
