// Package sqlite provides the SQLite record store and change journal. Both live in
// one database file so a process restart finds the cache and its unconfirmed edits
// together.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

const (
	opOpen   = "open"
	opSchema = "schema"
)

// ErrStoreClosed is returned by every operation after Close.
var ErrStoreClosed = syncErrors.E(syncErrors.OpClose, syncErrors.Component(component), syncErrors.KindClosed, errors.New("store is closed"))

// Config holds configuration options for the SQLite database.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the path or URI of the database file.
	// Example: "file:quotesync.db"
	DataSourceName string `yaml:"path" json:"path"`

	// EnableWAL switches the database to write-ahead logging with a 5s busy
	// timeout and NORMAL synchronous mode.
	EnableWAL bool `yaml:"wal" json:"wal"`

	// Logger defaults to the package logger.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if strings.Contains(c.DataSourceName, ":memory:") {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
	}
	c.DataSourceName = withParam(c.DataSourceName, "_txlock", "immediate")
	if c.EnableWAL {
		c.DataSourceName = withParam(c.DataSourceName, "_journal_mode", "WAL")
		c.DataSourceName = withParam(c.DataSourceName, "_busy_timeout", "5000")
		c.DataSourceName = withParam(c.DataSourceName, "_synchronous", "NORMAL")
	}
}

func withParam(dsn, key, value string) string {
	if dsn == "" || strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + value
}

// DefaultConfig returns a Config with production-ready defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// DB owns the SQLite connection pool shared by the record store and the journal.
type DB struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *slog.Logger

	// writeMu serializes write transactions; SQLite admits one writer at a time.
	writeMu stdSync.Mutex
}

// NewWithDataSource opens path with DefaultConfig.
func NewWithDataSource(dataSourceName string) (*DB, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database described by config and creates the schema.
func New(config *Config) (*DB, error) {
	if config == nil {
		return nil, syncErrors.WrapOpComponentKind(errors.New("config cannot be nil"), opOpen, component, syncErrors.KindInvalid)
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, syncErrors.WrapOpComponentKind(errors.New("DataSourceName is required"), opOpen, component, syncErrors.KindInvalid)
	}

	logger := logging.ForComponent(config.Logger, "sqlite-store")
	logger.Info("Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(fmt.Errorf("failed to open sqlite database: %w", err), opOpen, component)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	logger.Debug("Connection pool configured",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
		slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
		slog.Duration("conn_max_idle_time", config.ConnMaxIdleTime),
	)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, syncErrors.WrapOpComponent(fmt.Errorf("failed to connect to sqlite database: %w", err), opOpen, component)
	}

	s := &DB{db: db, logger: logger}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, syncErrors.WrapOpComponent(fmt.Errorf("failed to setup database schema: %w", err), opSchema, component)
	}

	logger.Info("SQLite database initialized")
	return s, nil
}

func (s *DB) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS records (
        kind        TEXT NOT NULL,
        id          TEXT NOT NULL,
        version     INTEGER NOT NULL,
        payload     TEXT NOT NULL,
        updated_at  TEXT NOT NULL,
        origin      TEXT NOT NULL,
        PRIMARY KEY (kind, id)
    );
    CREATE TABLE IF NOT EXISTS change_journal (
        seq               INTEGER PRIMARY KEY AUTOINCREMENT,
        id                TEXT NOT NULL UNIQUE,
        record_id         TEXT NOT NULL,
        kind              TEXT NOT NULL,
        previous_version  INTEGER NOT NULL DEFAULT 0,
        base_payload      TEXT,
        new_payload       TEXT NOT NULL,
        parent_seq        INTEGER NOT NULL DEFAULT 0,
        created_at        TEXT NOT NULL,
        state             TEXT NOT NULL,
        attempts          INTEGER NOT NULL DEFAULT 0,
        retry_at          TEXT,
        last_error        TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_change_journal_state ON change_journal (state, seq);
    CREATE INDEX IF NOT EXISTS idx_change_journal_record ON change_journal (kind, record_id);
    `
	_, err := s.db.Exec(query)
	return err
}

// RecordStore returns the synckit.RecordStore view of the database.
func (s *DB) RecordStore() *RecordStore { return &RecordStore{db: s} }

// Journal returns the synckit.ChangeJournal view of the database.
func (s *DB) Journal() *Journal { return &Journal{db: s} }

// Stats returns database statistics for monitoring
func (s *DB) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// Close closes the database connection.
func (s *DB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *DB) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// write runs fn in a transaction, committing when it returns nil.
func (s *DB) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, op, component)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, op, component)
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}
