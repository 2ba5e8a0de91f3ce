package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c0deZ3R0/quotesync/config"
	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/gateway/httpgateway"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/notify"
	"github.com/c0deZ3R0/quotesync/storage/memory"
	"github.com/c0deZ3R0/quotesync/storage/postgres"
	"github.com/c0deZ3R0/quotesync/storage/sqlite"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// app holds everything a command needs. Close releases it in dependency order.
type app struct {
	engine  *synckit.Engine
	bus     *notify.Bus
	metrics *synckit.CountingCollector
	logger  *slog.Logger

	// pg is set when the postgres driver is in use so run can attach a listener.
	pg           *postgres.DB
	closeStorage func() error
}

// newApp opens storage and builds the engine. Commands that never reach the
// remote API pass needGateway=false and tolerate a missing gateway.base_url.
func newApp(cfg *config.Config, needGateway bool) (*app, error) {
	logger := logging.ForComponent(nil, "quotesync")

	gateway, err := newGateway(cfg.Gateway, logger)
	if err != nil {
		return nil, err
	}
	if gateway == nil {
		if needGateway {
			return nil, syncErrors.NewValidationError(syncErrors.OpConfigLoad, errors.New("gateway.base_url is not configured"))
		}
		gateway = offlineGateway{}
	}

	a := &app{
		bus:     notify.NewBus(logger),
		metrics: synckit.NewCountingCollector(),
		logger:  logger,
	}
	store, journal, err := a.openStorage(cfg.Storage)
	if err != nil {
		_ = a.bus.Close()
		return nil, err
	}

	resolver, err := cfg.Resolver()
	if err != nil {
		_ = a.closeStorage()
		_ = a.bus.Close()
		return nil, err
	}
	opts := []synckit.EngineOption{
		synckit.WithOptions(cfg.Sync),
		synckit.WithConflictResolver(resolver),
		synckit.WithPublisher(a.bus),
		synckit.WithMetrics(a.metrics),
		synckit.WithLogger(logger),
	}
	if cfg.Audit.Capacity > 0 {
		opts = append(opts, synckit.WithAuditTrail(synckit.NewMemoryAuditTrail(cfg.Audit.Capacity)))
	}
	a.engine, err = synckit.NewEngine(store, journal, gateway, opts...)
	if err != nil {
		_ = a.closeStorage()
		_ = a.bus.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(sc config.StorageConfig) (synckit.RecordStore, synckit.ChangeJournal, error) {
	switch sc.Driver {
	case config.DriverMemory:
		a.closeStorage = func() error { return nil }
		return memory.NewStore(), memory.NewJournal(), nil
	case config.DriverSQLite:
		c := sqlite.DefaultConfig(sc.DSN)
		c.EnableWAL = sc.WALEnabled()
		c.Logger = a.logger
		db, err := sqlite.New(c)
		if err != nil {
			return nil, nil, err
		}
		a.closeStorage = db.Close
		return db.RecordStore(), db.Journal(), nil
	case config.DriverPostgres:
		c := postgres.DefaultConfig(sc.DSN)
		c.Logger = a.logger
		db, err := postgres.New(c)
		if err != nil {
			return nil, nil, err
		}
		a.pg = db
		a.closeStorage = db.Close
		return db.RecordStore(), db.Journal(), nil
	default:
		return nil, nil, syncErrors.NewValidationError(syncErrors.OpLoad, fmt.Errorf("unknown storage driver %q", sc.Driver))
	}
}

// newGateway returns nil without error when no base URL is configured.
func newGateway(gc config.GatewayConfig, logger *slog.Logger) (synckit.QuoteGateway, error) {
	if gc.BaseURL == "" {
		return nil, nil
	}
	limits := httpgateway.DefaultLimits()
	if gc.MaxBodyBytes > 0 {
		limits.MaxBodyBytes = gc.MaxBodyBytes
	}
	opts := []httpgateway.ClientOption{
		httpgateway.WithLimits(limits),
		httpgateway.WithLogger(logger),
	}
	if gc.Timeout > 0 {
		opts = append(opts, httpgateway.WithTimeout(gc.Timeout))
	}
	if gc.Token != "" {
		opts = append(opts, httpgateway.WithTokenSource(httpgateway.StaticToken(gc.Token)))
	}
	return httpgateway.NewClient(gc.BaseURL, opts...)
}

// Close stops the engine before the bus and storage it writes to.
func (a *app) Close() error {
	var errs []error
	if err := a.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// offlineGateway stands in for the remote API in commands that only touch local state.
type offlineGateway struct{}

var errOffline = errors.New("gateway.base_url is not configured")

func (offlineGateway) Fetch(context.Context, synckit.Kind, string) (synckit.Record, error) {
	return synckit.Record{}, syncErrors.NewValidationError(syncErrors.OpFetch, errOffline)
}

func (offlineGateway) Submit(context.Context, synckit.Kind, string, uint64, synckit.Payload) (synckit.Record, error) {
	return synckit.Record{}, syncErrors.NewValidationError(syncErrors.OpSubmit, errOffline)
}
