// Package config loads quotesync settings from a YAML file, an optional .env file
// and QUOTESYNC_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/synckit"
)

const component = "config"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete quotesync configuration.
//
//	sync:
//	  interval: 30s
//	  max_retries: 5
//	storage:
//	  driver: sqlite
//	  dsn: quotesync.db
//	gateway:
//	  base_url: https://quotes.example.com/api
//	policy:
//	  default:
//	    shared: remote
//	http:
//	  addr: :8080
type Config struct {
	Sync    synckit.Options      `yaml:"sync"`
	Storage StorageConfig        `yaml:"storage"`
	Gateway GatewayConfig        `yaml:"gateway"`
	Policy  synckit.PolicyConfig `yaml:"policy"`
	Audit   AuditConfig          `yaml:"audit"`
	HTTP    HTTPConfig           `yaml:"http"`
	Logging logging.Config       `yaml:"logging"`
}

// StorageConfig selects the record store and journal backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// WAL applies to sqlite only.
	WAL *bool `yaml:"wal,omitempty"`
}

// WALEnabled reports whether sqlite should run in WAL mode. Default true.
func (s StorageConfig) WALEnabled() bool { return s.WAL == nil || *s.WAL }

// GatewayConfig points at the remote quoting API.
type GatewayConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// AuditConfig sizes the in-memory conflict audit trail. Zero disables it.
type AuditConfig struct {
	Capacity int `yaml:"capacity"`
}

// HTTPConfig configures the operator API and event stream listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// Token, when set, is required as a bearer token by the mock API server.
	Token string `yaml:"token"`
}

// Default returns the configuration used when no file is given. Logging starts
// from the preset for $ENVIRONMENT.
func Default() *Config {
	return &Config{
		Sync:    synckit.DefaultOptions(),
		Storage: StorageConfig{Driver: DriverSQLite, DSN: "quotesync.db"},
		Gateway: GatewayConfig{Timeout: 30 * time.Second, MaxBodyBytes: 8 << 20},
		Policy:  synckit.PolicyConfig{Default: synckit.DefaultPolicy()},
		Audit:   AuditConfig{Capacity: 256},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Logging: logging.ConfigFromEnv(),
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory and QUOTESYNC_* variables.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, syncErrors.E(syncErrors.OpConfigLoad, syncErrors.Component(component), syncErrors.KindInvalid, err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
// Environment variables are not consulted.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(r); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return syncErrors.E(syncErrors.OpConfigLoad, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("invalid config: %w", err))
	}
	return nil
}

// loadDotEnv reads .env outside production. Variables already set win.
func loadDotEnv() error {
	if strings.EqualFold(os.Getenv("ENVIRONMENT"), logging.EnvProduction) {
		return nil
	}
	path := os.Getenv("QUOTESYNC_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return syncErrors.E(syncErrors.OpConfigLoad, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("load %s: %w", path, err))
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides settings from QUOTESYNC_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("QUOTESYNC_STORAGE_DRIVER", &c.Storage.Driver)
	str("QUOTESYNC_STORAGE_DSN", &c.Storage.DSN)
	str("QUOTESYNC_GATEWAY_URL", &c.Gateway.BaseURL)
	str("QUOTESYNC_GATEWAY_TOKEN", &c.Gateway.Token)
	dur("QUOTESYNC_GATEWAY_TIMEOUT", &c.Gateway.Timeout)
	str("QUOTESYNC_HTTP_ADDR", &c.HTTP.Addr)
	str("QUOTESYNC_HTTP_TOKEN", &c.HTTP.Token)
	dur("QUOTESYNC_SYNC_INTERVAL", &c.Sync.SyncInterval)
	dur("QUOTESYNC_CALL_TIMEOUT", &c.Sync.CallTimeout)
	num("QUOTESYNC_MAX_RETRIES", &c.Sync.MaxRetries)
	num("QUOTESYNC_CONCURRENCY", &c.Sync.Concurrency)
	str("QUOTESYNC_LOG_LEVEL", &c.Logging.Level)
	str("QUOTESYNC_LOG_FORMAT", &c.Logging.Format)

	if len(errs) > 0 {
		return syncErrors.E(syncErrors.OpConfigLoad, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("invalid environment override: %w", errors.Join(errs...)))
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return syncErrors.E(syncErrors.OpConfigLoad, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf(format, args...))
	}

	if err := c.Sync.Validate(); err != nil {
		return invalid("sync: %w", err)
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return invalid("storage: dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		return invalid("storage: unknown driver %q", c.Storage.Driver)
	}
	if c.Gateway.BaseURL != "" {
		u, err := url.Parse(c.Gateway.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("gateway: invalid base_url %q", c.Gateway.BaseURL)
		}
	}
	if c.Gateway.Timeout < 0 {
		return invalid("gateway: timeout must not be negative")
	}
	if c.Gateway.MaxBodyBytes < 0 {
		return invalid("gateway: max_body_bytes must not be negative")
	}
	if c.Audit.Capacity < 0 {
		return invalid("audit: capacity must not be negative")
	}
	if err := c.Policy.Validate(); err != nil {
		return invalid("policy: %w", err)
	}
	return nil
}

// Resolver builds the conflict resolver described by the policy section.
func (c *Config) Resolver(opts ...synckit.Option) (*synckit.KindResolver, error) {
	return c.Policy.Resolver(opts...)
}
