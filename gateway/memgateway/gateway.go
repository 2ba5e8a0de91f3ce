// Package memgateway is an in-process quoting system of record. It backs the
// mock-api command and the engine tests.
//
// Submissions are idempotent on (record, base version): repeating a submission that
// was already applied returns the record it produced instead of a version conflict.
package memgateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// FaultFunc is consulted before every call. A non-nil error is returned to the caller
// instead of performing the call. op is "fetch", "submit", "list" or "health"; list
// calls carry a key with only the kind set and health calls a zero key.
type FaultFunc func(op string, key synckit.Key) error

type submission struct {
	key         synckit.Key
	baseVersion uint64
}

type applied struct {
	payload synckit.Payload
	record  synckit.Record
}

// Stats counts calls made against the gateway.
type Stats struct {
	Fetches int
	Submits int
	Lists   int
	// MaxConcurrentPerRecord is the highest number of submits seen in progress at
	// once for a single record.
	MaxConcurrentPerRecord int
}

// Gateway implements synckit.QuoteGateway in memory.
type Gateway struct {
	mu      sync.Mutex
	records map[synckit.Key]synckit.Record
	applied map[submission]applied
	clock   synckit.Clock
	latency time.Duration
	fault   FaultFunc

	active map[synckit.Key]int
	stats  Stats
}

var (
	_ synckit.QuoteGateway  = (*Gateway)(nil)
	_ synckit.RecordLister  = (*Gateway)(nil)
	_ synckit.HealthChecker = (*Gateway)(nil)
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock sets the clock used for UpdatedAt stamps.
func WithClock(c synckit.Clock) Option { return func(g *Gateway) { g.clock = c } }

// WithLatency delays every call by d, honouring the caller's context.
func WithLatency(d time.Duration) Option { return func(g *Gateway) { g.latency = d } }

func New(opts ...Option) *Gateway {
	g := &Gateway{
		records: make(map[synckit.Key]synckit.Record),
		applied: make(map[submission]applied),
		clock:   synckit.SystemClock{},
		active:  make(map[synckit.Key]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetFault installs or clears (nil) the fault hook.
func (g *Gateway) SetFault(f FaultFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fault = f
}

// Seed stores rec as the authoritative record, replacing any existing one.
func (g *Gateway) Seed(rec synckit.Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec.Origin = synckit.OriginRemote
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = g.clock.Now().UTC()
	}
	g.records[rec.Key()] = rec.Clone()
}

// RemoteEdit simulates another client changing a record: fields in changes are set on
// the current payload and the version is bumped.
func (g *Gateway) RemoteEdit(kind synckit.Kind, id string, changes synckit.Payload) (synckit.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := synckit.Key{Kind: kind, ID: id}
	cur, ok := g.records[key]
	if !ok {
		return synckit.Record{}, synckit.ErrRecordNotFound(syncErrors.Op("remote_edit"), key)
	}
	next := cur.Clone()
	if next.Payload == nil {
		next.Payload = synckit.Payload{}
	}
	for k, v := range changes {
		next.Payload[k] = v
	}
	next.Version++
	next.UpdatedAt = g.clock.Now().UTC()
	g.records[key] = next
	return next.Clone(), nil
}

// Record returns the authoritative record, for assertions.
func (g *Gateway) Record(kind synckit.Kind, id string) (synckit.Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[synckit.Key{Kind: kind, ID: id}]
	return rec.Clone(), ok
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

func (g *Gateway) before(ctx context.Context, op string, key synckit.Key) error {
	g.mu.Lock()
	fault := g.fault
	g.mu.Unlock()

	if fault != nil {
		if err := fault(op, key); err != nil {
			return err
		}
	}
	if g.latency > 0 {
		t := time.NewTimer(g.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return syncErrors.E(syncErrors.Op(op), syncErrors.Component("gateway"), syncErrors.KindTransient, ctx.Err())
		case <-t.C:
		}
	}
	return ctx.Err()
}

func (g *Gateway) Fetch(ctx context.Context, kind synckit.Kind, id string) (synckit.Record, error) {
	key := synckit.Key{Kind: kind, ID: id}
	g.mu.Lock()
	g.stats.Fetches++
	g.mu.Unlock()

	if err := g.before(ctx, "fetch", key); err != nil {
		return synckit.Record{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[key]
	if !ok {
		return synckit.Record{}, synckit.ErrRecordNotFound(syncErrors.OpFetch, key)
	}
	return rec.Clone(), nil
}

// List returns every authoritative record of kind ordered by id.
func (g *Gateway) List(ctx context.Context, kind synckit.Kind) ([]synckit.Record, error) {
	g.mu.Lock()
	g.stats.Lists++
	g.mu.Unlock()

	if err := g.before(ctx, "list", synckit.Key{Kind: kind}); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	out := []synckit.Record{}
	for key, rec := range g.records {
		if key.Kind == kind {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Health reports the gateway operational unless the fault hook says otherwise.
func (g *Gateway) Health(ctx context.Context) error {
	return g.before(ctx, "health", synckit.Key{})
}

func (g *Gateway) Submit(ctx context.Context, kind synckit.Kind, id string, baseVersion uint64, payload synckit.Payload) (synckit.Record, error) {
	key := synckit.Key{Kind: kind, ID: id}
	if !kind.Valid() || id == "" {
		return synckit.Record{}, syncErrors.NewValidationError(syncErrors.OpSubmit, fmt.Errorf("invalid record key %s", key))
	}

	g.mu.Lock()
	g.stats.Submits++
	g.active[key]++
	if g.active[key] > g.stats.MaxConcurrentPerRecord {
		g.stats.MaxConcurrentPerRecord = g.active[key]
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active[key]--
		g.mu.Unlock()
	}()

	if err := g.before(ctx, "submit", key); err != nil {
		return synckit.Record{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sub := submission{key: key, baseVersion: baseVersion}
	if prior, ok := g.applied[sub]; ok && prior.payload.Equal(payload) {
		return prior.record.Clone(), nil
	}

	cur, exists := g.records[key]
	var version uint64
	switch {
	case !exists && baseVersion == 0:
		version = 1
	case !exists:
		return synckit.Record{}, synckit.ErrRecordNotFound(syncErrors.OpSubmit, key)
	case baseVersion != cur.Version:
		return synckit.Record{}, syncErrors.E(syncErrors.OpSubmit, syncErrors.Component("gateway"),
			&synckit.VersionConflictError{Key: key, Attempted: baseVersion, Current: cur.Clone()})
	default:
		version = cur.Version + 1
	}

	rec := synckit.Record{
		ID:        id,
		Kind:      kind,
		Version:   version,
		Payload:   payload.Clone(),
		UpdatedAt: g.clock.Now().UTC(),
		Origin:    synckit.OriginRemote,
	}
	if rec.Payload == nil {
		rec.Payload = synckit.Payload{}
	}
	g.records[key] = rec
	g.applied[sub] = applied{payload: payload.Clone(), record: rec.Clone()}
	return rec.Clone(), nil
}
