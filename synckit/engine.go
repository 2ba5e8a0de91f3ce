package synckit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/logging"
)

// SyncResult summarises one sync cycle.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`

	Recovered  int `json:"recovered"`
	Dispatched int `json:"dispatched"`
	Confirmed  int `json:"confirmed"`
	Conflicts  int `json:"conflicts"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
	Purged     int `json:"purged"`

	Errors []error `json:"-"`
}

type outcome int

const (
	outcomeConfirmed outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeSkipped
	outcomeGone
	outcomeError
)

// cycle collects counters from concurrently running lanes.
type cycle struct {
	mu     sync.Mutex
	result *SyncResult
}

func (c *cycle) count(f func(r *SyncResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(c.result)
}

func (c *cycle) addError(err error) {
	c.count(func(r *SyncResult) { r.Errors = append(r.Errors, err) })
}

// Engine drains the change journal to the quoting gateway and reconciles the results
// into the record store.
type Engine struct {
	store     *ObservedStore
	journal   ChangeJournal
	gateway   QuoteGateway
	publisher Publisher
	metrics   MetricsCollector
	clock     Clock
	logger    *slog.Logger
	opts      Options
	backoff   exponentialBackoff
	audit     AuditTrail

	resolverMu sync.RWMutex
	resolver   ConflictResolver

	// cycleMu serializes sync cycles; editMu serializes journal writes that pick or
	// rewrite a parent link.
	cycleMu sync.Mutex
	editMu  sync.Mutex

	mu       sync.Mutex
	inflight map[Key]string
	autoStop chan struct{}
	autoDone chan struct{}
	closed   bool
}

// NewEngine wires an engine. When store is not already an *ObservedStore it is wrapped
// in one that publishes to the engine's publisher.
func NewEngine(store RecordStore, journal ChangeJournal, gateway QuoteGateway, opts ...EngineOption) (*Engine, error) {
	if store == nil || journal == nil || gateway == nil {
		return nil, syncErrors.E(
			syncErrors.Op("NewEngine"),
			syncErrors.Component("engine"),
			syncErrors.KindInvalid,
			errors.New("store, journal and gateway are required"),
		)
	}

	e := &Engine{
		journal:  journal,
		gateway:  gateway,
		opts:     DefaultOptions(),
		inflight: make(map[Key]string),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, syncErrors.NewWithComponent(syncErrors.Op("NewEngine"), "engine", err)
		}
	}

	e.opts = e.opts.withDefaults()
	if err := e.opts.Validate(); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.Op("NewEngine"), err)
	}
	if e.publisher == nil {
		e.publisher = NopPublisher
	}
	if e.metrics == nil {
		e.metrics = &NoOpMetricsCollector{}
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	e.logger = logging.ForComponent(e.logger, "engine")
	if e.resolver == nil {
		e.resolver = &FieldMergeResolver{Policy: DefaultPolicy()}
	}
	e.resolver = e.observe(e.resolver)
	e.backoff = newBackoff(e.opts.Backoff)

	if observed, ok := store.(*ObservedStore); ok {
		e.store = observed
	} else {
		e.store = NewObservedStore(store, e.publisher, e.clock, e.logger)
	}
	return e, nil
}

func (e *Engine) observe(r ConflictResolver) ConflictResolver {
	if e.audit != nil {
		r = NewAuditableResolver(r, e.audit, e.clock, e.logger)
	}
	return NewObservableResolver(r, WithMetricsCollector(e.metrics), WithObservableLogger(e.logger))
}

// Store returns the observed record store the engine writes through.
func (e *Engine) Store() RecordStore { return e.store }

// Journal returns the engine's change journal.
func (e *Engine) Journal() ChangeJournal { return e.journal }

// AuditTrail returns the resolution audit trail, nil when none is configured.
func (e *Engine) AuditTrail() AuditTrail { return e.audit }

// Options returns the effective tuning.
func (e *Engine) Options() Options { return e.opts }

// SetResolver swaps the conflict policy. Cycles already resolving keep the old one.
func (e *Engine) SetResolver(r ConflictResolver) error {
	if r == nil {
		return syncErrors.NewValidationError(syncErrors.OpResolve, errors.New("conflict resolver must not be nil"))
	}
	e.resolverMu.Lock()
	e.resolver = e.observe(r)
	e.resolverMu.Unlock()
	e.logger.Info("Conflict resolver replaced", slog.String("resolver", fmt.Sprintf("%T", r)))
	return nil
}

func (e *Engine) currentResolver() ConflictResolver {
	e.resolverMu.RLock()
	defer e.resolverMu.RUnlock()
	return e.resolver
}

func (e *Engine) closedError(op syncErrors.Operation) error {
	return syncErrors.E(op, syncErrors.Component("engine"), syncErrors.KindClosed, errors.New("sync engine is closed"))
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Edit records a local change to a record. payload is the complete new payload.
// The edit is based on the newest unconfirmed edit of the record when there is one,
// otherwise on the stored record. Edit never waits for a running sync cycle.
func (e *Engine) Edit(ctx context.Context, kind Kind, id string, payload Payload) (ChangeEntry, error) {
	if e.isClosed() {
		return ChangeEntry{}, e.closedError(syncErrors.OpEdit)
	}
	if !kind.Valid() || id == "" {
		return ChangeEntry{}, syncErrors.NewValidationError(syncErrors.OpEdit, fmt.Errorf("invalid record key %s/%s", kind, id))
	}
	if payload == nil {
		return ChangeEntry{}, syncErrors.NewValidationError(syncErrors.OpEdit, errors.New("payload is required"))
	}

	key := Key{Kind: kind, ID: id}
	entry := ChangeEntry{
		RecordID:   id,
		Kind:       kind,
		NewPayload: payload.Clone(),
		CreatedAt:  e.clock.Now().UTC(),
	}

	e.editMu.Lock()
	defer e.editMu.Unlock()

	parent, hasParent, err := e.latestUnconfirmed(ctx, key)
	if err != nil {
		return ChangeEntry{}, err
	}
	if hasParent {
		entry.PreviousVersion = parent.PreviousVersion
		entry.BasePayload = parent.NewPayload.Clone()
		entry.ParentSeq = parent.Seq
	} else {
		rec, found, err := e.store.Get(ctx, kind, id)
		if err != nil {
			return ChangeEntry{}, syncErrors.NewWithComponent(syncErrors.OpEdit, "store", err)
		}
		if found {
			entry.PreviousVersion = rec.Version
			entry.BasePayload = rec.Payload.Clone()
		}
	}

	appended, err := e.journal.Append(ctx, entry)
	if err != nil {
		return ChangeEntry{}, syncErrors.NewWithComponent(syncErrors.OpAppend, "journal", err)
	}
	e.logger.DebugContext(ctx, "Local edit journaled",
		slog.String("key", key.String()),
		slog.Uint64("seq", appended.Seq),
		slog.Uint64("base_version", appended.PreviousVersion),
		slog.Uint64("parent_seq", appended.ParentSeq))
	return appended, nil
}

// latestUnconfirmed returns the newest Pending or InFlight entry of key.
func (e *Engine) latestUnconfirmed(ctx context.Context, key Key) (ChangeEntry, bool, error) {
	entries, err := e.journal.Entries(ctx, StatePending, StateInFlight)
	if err != nil {
		return ChangeEntry{}, false, syncErrors.NewWithComponent(syncErrors.OpLoad, "journal", err)
	}
	var latest ChangeEntry
	found := false
	for _, entry := range entries {
		if entry.Key() == key && (!found || entry.Seq > latest.Seq) {
			latest, found = entry, true
		}
	}
	return latest, found, nil
}

// View returns the stored record overlaid with its newest unconfirmed edit.
func (e *Engine) View(ctx context.Context, kind Kind, id string) (Record, bool, error) {
	rec, found, err := e.store.Get(ctx, kind, id)
	if err != nil {
		return Record{}, false, syncErrors.NewWithComponent(syncErrors.OpGet, "store", err)
	}
	latest, pending, err := e.latestUnconfirmed(ctx, Key{Kind: kind, ID: id})
	if err != nil {
		return Record{}, false, err
	}
	if !pending {
		return rec, found, nil
	}
	if !found {
		rec = Record{ID: id, Kind: kind}
	}
	rec.Payload = latest.NewPayload.Clone()
	rec.Origin = OriginLocal
	rec.UpdatedAt = latest.CreatedAt
	return rec, true, nil
}

// SyncOnce runs one sync cycle. Entries left in flight by an interrupted cycle are
// recovered first, then pending entries are dispatched with one lane per record.
// Cancelling ctx stops the cycle between entries; a gateway call that already
// started is allowed to finish.
func (e *Engine) SyncOnce(ctx context.Context) (*SyncResult, error) {
	if e.isClosed() {
		return nil, e.closedError(syncErrors.OpSync)
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	cy := &cycle{result: &SyncResult{StartTime: e.clock.Now()}}
	e.logger.DebugContext(ctx, "Starting sync cycle")

	defer func() {
		r := cy.result
		r.Duration = time.Since(start)
		e.metrics.RecordSyncDuration("cycle", r.Duration)
		attrs := []any{
			slog.Duration("duration", r.Duration),
			slog.Int("dispatched", r.Dispatched),
			slog.Int("confirmed", r.Confirmed),
			slog.Int("conflicts", r.Conflicts),
			slog.Int("retried", r.Retried),
			slog.Int("failed", r.Failed),
			slog.Int("deferred", r.Deferred),
			slog.Int("purged", r.Purged),
		}
		if len(r.Errors) > 0 {
			e.metrics.RecordSyncErrors("cycle", "cycle_failure")
			e.logger.ErrorContext(ctx, "Sync cycle completed with errors",
				append(attrs, slog.Int("error_count", len(r.Errors)), slog.Any("errors", r.Errors))...)
			return
		}
		e.logger.InfoContext(ctx, "Sync cycle completed", attrs...)
	}()

	if err := e.recoverInFlight(ctx, cy); err != nil {
		cy.addError(err)
		return cy.result, err
	}

	pending, err := e.journal.PendingEntries(ctx)
	if err != nil {
		err = syncErrors.NewWithComponent(syncErrors.OpLoad, "journal", err)
		cy.addError(err)
		return cy.result, err
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for _, lane := range groupLanes(pending) {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			e.runLane(ctx, lane, cy)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		e.logger.WarnContext(ctx, "Sync cycle canceled", slog.Any("error", err))
		return cy.result, err
	}

	purged, err := e.journal.PurgeConfirmed(ctx)
	if err != nil {
		cy.addError(syncErrors.NewWithComponent(syncErrors.OpPurge, "journal", err))
	}
	cy.result.Purged = purged
	return cy.result, nil
}

// groupLanes splits entries into per-record lanes, keeping sequence order inside each
// lane and ordering lanes by their oldest entry.
func groupLanes(entries []ChangeEntry) [][]ChangeEntry {
	sorted := append([]ChangeEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	index := make(map[Key]int)
	var lanes [][]ChangeEntry
	for _, entry := range sorted {
		i, ok := index[entry.Key()]
		if !ok {
			i = len(lanes)
			index[entry.Key()] = i
			lanes = append(lanes, nil)
		}
		lanes[i] = append(lanes[i], entry)
	}
	return lanes
}

// recoverInFlight treats entries left InFlight by a crash or a canceled cycle as a
// transient failure.
func (e *Engine) recoverInFlight(ctx context.Context, cy *cycle) error {
	stale, err := e.journal.Entries(ctx, StateInFlight)
	if err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpLoad, "journal", err)
	}
	for _, entry := range stale {
		if e.isInFlight(entry) {
			continue
		}
		e.logger.WarnContext(ctx, "Recovering interrupted entry",
			slog.String("entry_id", entry.ID),
			slog.String("key", entry.Key().String()))
		cy.count(func(r *SyncResult) { r.Recovered++ })
		if e.retryLater(ctx, entry, errors.New("interrupted while in flight"), cy) == outcomeError {
			return syncErrors.E(syncErrors.OpSync, syncErrors.Component("engine"), fmt.Sprintf("recover entry %s", entry.ID))
		}
	}
	return nil
}

func (e *Engine) runLane(ctx context.Context, lane []ChangeEntry, cy *cycle) {
	for _, queued := range lane {
		if ctx.Err() != nil {
			return
		}

		// Re-read: an earlier confirmation in this lane may have rebased the entry,
		// or an operator may have discarded it.
		entry, err := e.journal.Get(ctx, queued.ID)
		if err != nil {
			if syncErrors.IsKind(err, syncErrors.KindUnknownEntry) {
				continue
			}
			cy.addError(err)
			return
		}
		if entry.State != StatePending {
			continue
		}
		if now := e.clock.Now(); now.Before(entry.RetryAt) {
			e.logger.Log(ctx, logging.LevelTrace, "Entry waiting for backoff",
				slog.String("entry_id", entry.ID),
				slog.Time("retry_at", entry.RetryAt))
			cy.count(func(r *SyncResult) { r.Deferred++ })
			return
		}

		switch e.dispatch(ctx, entry, cy) {
		case outcomeConfirmed, outcomeFailed, outcomeGone:
			continue
		default:
			return
		}
	}
}

func (e *Engine) acquire(entry ChangeEntry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[entry.Key()]; busy {
		return false
	}
	e.inflight[entry.Key()] = entry.ID
	return true
}

func (e *Engine) release(entry ChangeEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[entry.Key()] == entry.ID {
		delete(e.inflight, entry.Key())
	}
}

func (e *Engine) isInFlight(entry ChangeEntry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[entry.Key()] == entry.ID
}

// dispatch submits one entry and settles its outcome. Bookkeeping after the call uses
// a context detached from cancellation so the entry never stays half processed.
func (e *Engine) dispatch(ctx context.Context, entry ChangeEntry, cy *cycle) outcome {
	if !e.acquire(entry) {
		cy.count(func(r *SyncResult) { r.Deferred++ })
		return outcomeSkipped
	}
	defer e.release(entry)

	ctx = context.WithoutCancel(ctx)
	// The entry may have been discarded or settled since the lane read it.
	current, err := e.journal.Get(ctx, entry.ID)
	switch {
	case syncErrors.IsKind(err, syncErrors.KindUnknownEntry):
		return outcomeGone
	case err != nil:
		cy.addError(err)
		return outcomeError
	case current.State != StatePending:
		return outcomeGone
	}
	entry = current

	if err := e.journal.MarkState(ctx, entry.ID, StateInFlight); err != nil {
		cy.addError(syncErrors.NewWithComponent(syncErrors.OpMarkState, "journal", err))
		return outcomeError
	}
	entry.State = StateInFlight
	cy.count(func(r *SyncResult) { r.Dispatched++ })

	e.logger.DebugContext(ctx, "Dispatching entry",
		slog.String("entry_id", entry.ID),
		slog.String("key", entry.Key().String()),
		slog.Uint64("base_version", entry.PreviousVersion),
		slog.Int("attempts", entry.Attempts))

	rec, err := e.submit(ctx, entry.Key(), entry.PreviousVersion, entry.NewPayload)
	switch {
	case err == nil:
		return e.confirm(ctx, entry, rec, cy)
	case syncErrors.IsKind(err, syncErrors.KindVersionConflict):
		return e.resolveConflict(ctx, entry, err, cy)
	case isTransient(err):
		return e.retryLater(ctx, entry, err, cy)
	default:
		return e.fail(ctx, entry, err.Error(), cy)
	}
}

func (e *Engine) submit(ctx context.Context, key Key, baseVersion uint64, payload Payload) (Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	return e.gateway.Submit(callCtx, key.Kind, key.ID, baseVersion, payload.Clone())
}

func isTransient(err error) bool {
	return syncErrors.IsRetryable(err) ||
		syncErrors.IsKind(err, syncErrors.KindTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// absorb writes an authoritative record. Versions the store already has are ignored,
// which makes replayed confirmations harmless.
func (e *Engine) absorb(ctx context.Context, rec Record) error {
	rec.Origin = OriginRemote
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = e.clock.Now().UTC()
	}
	if _, err := e.store.Put(ctx, rec); err != nil {
		if syncErrors.IsKind(err, syncErrors.KindVersionConflict) {
			e.logger.Log(ctx, logging.LevelTrace, "Stale record ignored",
				slog.String("key", rec.Key().String()),
				slog.Uint64("version", rec.Version))
			return nil
		}
		return syncErrors.NewWithComponent(syncErrors.OpPut, "store", err)
	}
	return nil
}

func (e *Engine) confirm(ctx context.Context, entry ChangeEntry, rec Record, cy *cycle) outcome {
	if err := e.absorb(ctx, rec); err != nil {
		cy.addError(err)
		return outcomeError
	}

	e.editMu.Lock()
	defer e.editMu.Unlock()

	entry.State = StateConfirmed
	entry.LastError = ""
	entry.RetryAt = time.Time{}
	if err := e.journal.Update(ctx, entry); err != nil {
		cy.addError(syncErrors.NewWithComponent(syncErrors.OpMarkState, "journal", err))
		return outcomeError
	}
	if err := e.rebaseChildren(ctx, entry, rec); err != nil {
		cy.addError(err)
	}

	e.metrics.RecordEntryOutcome(entry.Kind, "confirmed")
	cy.count(func(r *SyncResult) { r.Confirmed++ })
	e.logger.DebugContext(ctx, "Entry confirmed",
		slog.String("entry_id", entry.ID),
		slog.String("key", entry.Key().String()),
		slog.Uint64("version", rec.Version))
	return outcomeConfirmed
}

// rebaseChildren moves edits made on top of parent onto the confirmed record.
func (e *Engine) rebaseChildren(ctx context.Context, parent ChangeEntry, rec Record) error {
	pending, err := e.journal.Entries(ctx, StatePending)
	if err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpLoad, "journal", err)
	}
	for _, child := range pending {
		if child.ParentSeq != parent.Seq || child.Key() != parent.Key() {
			continue
		}
		child.NewPayload = Rebase(child.BasePayload, child.NewPayload, rec.Payload)
		child.BasePayload = rec.Payload.Clone()
		child.PreviousVersion = rec.Version
		child.ParentSeq = 0
		if err := e.journal.Update(ctx, child); err != nil {
			return syncErrors.NewWithComponent(syncErrors.OpMarkState, "journal", err)
		}
		e.logger.DebugContext(ctx, "Entry rebased",
			slog.String("entry_id", child.ID),
			slog.Uint64("base_version", rec.Version))
	}
	return nil
}

func (e *Engine) resolveConflict(ctx context.Context, entry ChangeEntry, err error, cy *cycle) outcome {
	var vc *VersionConflictError
	if !errors.As(err, &vc) {
		return e.fail(ctx, entry, err.Error(), cy)
	}

	for round := 1; ; round++ {
		remote := vc.Current.Clone()
		remote.Origin = OriginRemote
		local := Record{
			ID:        entry.RecordID,
			Kind:      entry.Kind,
			Version:   entry.PreviousVersion,
			Payload:   entry.NewPayload.Clone(),
			UpdatedAt: entry.CreatedAt,
			Origin:    OriginLocal,
		}

		cy.count(func(r *SyncResult) { r.Conflicts++ })
		res, rerr := e.currentResolver().Resolve(ctx, ConflictCase{Local: local, Remote: remote, Base: entry.BasePayload})
		if rerr != nil {
			if aerr := e.absorb(ctx, remote); aerr != nil {
				cy.addError(aerr)
			}
			return e.fail(ctx, entry, "conflict resolution failed: "+rerr.Error(), cy)
		}
		e.publisher.Publish(conflictDetected(local, remote, res, e.clock.Now()))

		if res.Rejected || res.Record == nil {
			if aerr := e.absorb(ctx, remote); aerr != nil {
				cy.addError(aerr)
			}
			return e.fail(ctx, entry, "conflict rejected: "+conflictFields(res.Conflicts), cy)
		}
		if res.Record.Payload.Equal(remote.Payload) {
			return e.confirm(ctx, entry, remote, cy)
		}
		if aerr := e.absorb(ctx, remote); aerr != nil {
			cy.addError(aerr)
			return outcomeError
		}
		if round > e.opts.MaxConflictRounds {
			return e.fail(ctx, entry, fmt.Sprintf("conflict unresolved after %d resubmissions", round-1), cy)
		}

		entry.PreviousVersion = remote.Version
		entry.BasePayload = remote.Payload.Clone()
		entry.NewPayload = res.Record.Payload.Clone()
		entry.ParentSeq = 0
		if uerr := e.journal.Update(ctx, entry); uerr != nil {
			cy.addError(syncErrors.NewWithComponent(syncErrors.OpMarkState, "journal", uerr))
			return outcomeError
		}

		rec, serr := e.submit(ctx, entry.Key(), entry.PreviousVersion, entry.NewPayload)
		switch {
		case serr == nil:
			return e.confirm(ctx, entry, rec, cy)
		case syncErrors.IsKind(serr, syncErrors.KindVersionConflict):
			if !errors.As(serr, &vc) {
				return e.fail(ctx, entry, serr.Error(), cy)
			}
		case isTransient(serr):
			return e.retryLater(ctx, entry, serr, cy)
		default:
			return e.fail(ctx, entry, serr.Error(), cy)
		}
	}
}

func conflictFields(conflicts []FieldConflict) string {
	names := make([]string, len(conflicts))
	for i, c := range conflicts {
		names[i] = c.Field
	}
	return strings.Join(names, ", ")
}

// retryLater counts a transient failure and either schedules the entry again or, once
// MaxRetries is exceeded, fails it.
func (e *Engine) retryLater(ctx context.Context, entry ChangeEntry, cause error, cy *cycle) outcome {
	entry.Attempts++
	if entry.Attempts > e.opts.MaxRetries {
		return e.fail(ctx, entry, fmt.Sprintf("retries exhausted after %d attempts: %v", entry.Attempts, cause), cy)
	}

	delay := e.backoff.nextDelay(entry.Attempts - 1)
	entry.State = StatePending
	entry.RetryAt = e.clock.Now().Add(delay)
	entry.LastError = cause.Error()
	if err := e.journal.Update(ctx, entry); err != nil {
		cy.addError(syncErrors.NewWithComponent(syncErrors.OpMarkState, "journal", err))
		return outcomeError
	}

	e.metrics.RecordEntryOutcome(entry.Kind, "retry")
	cy.count(func(r *SyncResult) { r.Retried++ })
	e.logger.WarnContext(ctx, "Entry failed transiently, will retry",
		slog.String("entry_id", entry.ID),
		slog.String("key", entry.Key().String()),
		slog.Int("attempt", entry.Attempts),
		slog.Duration("delay", delay),
		slog.Any("error", cause))
	return outcomeRetry
}

// fail parks the entry as Failed and emits exactly one sync_failed event for it.
func (e *Engine) fail(ctx context.Context, entry ChangeEntry, reason string, cy *cycle) outcome {
	entry.State = StateFailed
	entry.LastError = reason
	entry.RetryAt = time.Time{}
	if err := e.journal.Update(ctx, entry); err != nil {
		cy.addError(syncErrors.NewWithComponent(syncErrors.OpMarkState, "journal", err))
		return outcomeError
	}

	e.publisher.Publish(syncFailed(entry, reason, e.clock.Now()))
	e.metrics.RecordEntryOutcome(entry.Kind, "failed")
	cy.count(func(r *SyncResult) { r.Failed++ })
	e.logger.WarnContext(ctx, "Entry failed",
		slog.String("entry_id", entry.ID),
		slog.String("key", entry.Key().String()),
		slog.String("reason", reason))
	return outcomeFailed
}

// Refresh fetches records from the gateway and stores the ones newer than the local
// copy. With no ids the whole kind is refreshed: gateways that implement RecordLister
// are asked for every record, others get each stored record fetched again. It returns
// how many records changed.
func (e *Engine) Refresh(ctx context.Context, kind Kind, ids ...string) (int, error) {
	if e.isClosed() {
		return 0, e.closedError(syncErrors.OpFetch)
	}
	if !kind.Valid() {
		return 0, syncErrors.NewValidationError(syncErrors.OpFetch, fmt.Errorf("unknown record kind %q", kind))
	}
	start := time.Now()
	defer func() { e.metrics.RecordSyncDuration("refresh", time.Since(start)) }()

	if len(ids) == 0 {
		if lister, ok := e.gateway.(RecordLister); ok {
			n, err := e.refreshListed(ctx, lister, kind)
			if !errors.Is(err, ErrListingUnsupported) {
				return n, err
			}
			e.logger.DebugContext(ctx, "Gateway cannot list, refetching stored records", slog.String("kind", string(kind)))
		}
		recs, err := e.store.List(ctx, kind)
		if err != nil {
			return 0, syncErrors.NewWithComponent(syncErrors.OpList, "store", err)
		}
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
	}

	updated := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		rec, err := e.gateway.Fetch(callCtx, kind, id)
		cancel()
		if err != nil {
			if syncErrors.IsKind(err, syncErrors.KindNotFound) {
				e.logger.DebugContext(ctx, "Record not found remotely", slog.String("key", Key{Kind: kind, ID: id}.String()))
				continue
			}
			errs = append(errs, err)
			continue
		}
		changed, err := e.absorbNewer(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, e.refreshErrors(errs)
}

func (e *Engine) refreshListed(ctx context.Context, lister RecordLister, kind Kind) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	recs, err := lister.List(callCtx, kind)
	cancel()
	if err != nil {
		if errors.Is(err, ErrListingUnsupported) {
			return 0, err
		}
		return 0, e.refreshErrors([]error{err})
	}
	e.logger.DebugContext(ctx, "Listed remote records", slog.String("kind", string(kind)), slog.Int("count", len(recs)))

	updated := 0
	var errs []error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if rec.Kind != kind || rec.ID == "" {
			errs = append(errs, syncErrors.E(syncErrors.OpList, syncErrors.Component("engine"), syncErrors.KindInternal,
				fmt.Sprintf("listing %s returned record %s", kind, rec.Key())))
			continue
		}
		changed, err := e.absorbNewer(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, e.refreshErrors(errs)
}

// absorbNewer stores rec when it is newer than the stored copy.
func (e *Engine) absorbNewer(ctx context.Context, rec Record) (bool, error) {
	current, found, err := e.store.Get(ctx, rec.Kind, rec.ID)
	if err != nil {
		return false, err
	}
	if found && current.Version >= rec.Version {
		return false, nil
	}
	if err := e.absorb(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) refreshErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	e.metrics.RecordSyncErrors("refresh", "fetch_failure")
	return syncErrors.E(syncErrors.OpFetch, syncErrors.Component("engine"), errors.Join(errs...))
}

// Health asks the gateway whether the remote system is operational. Gateways that
// cannot tell are assumed healthy.
func (e *Engine) Health(ctx context.Context) error {
	checker, ok := e.gateway.(HealthChecker)
	if !ok {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	if err := checker.Health(callCtx); err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpHealth, "gateway", err)
	}
	return nil
}

// Retry puts a Failed entry back in the queue with a fresh retry budget, rebased onto
// the stored record.
func (e *Engine) Retry(ctx context.Context, entryID string) (ChangeEntry, error) {
	if e.isClosed() {
		return ChangeEntry{}, e.closedError(syncErrors.OpRetry)
	}

	e.editMu.Lock()
	defer e.editMu.Unlock()

	entry, err := e.journal.Get(ctx, entryID)
	if err != nil {
		return ChangeEntry{}, err
	}
	if entry.State != StateFailed {
		return ChangeEntry{}, syncErrors.NewValidationError(syncErrors.OpRetry,
			fmt.Errorf("entry %s is %s, only failed entries can be retried", entryID, entry.State))
	}

	rec, found, err := e.store.Get(ctx, entry.Kind, entry.RecordID)
	if err != nil {
		return ChangeEntry{}, syncErrors.NewWithComponent(syncErrors.OpRetry, "store", err)
	}
	if found {
		entry.NewPayload = Rebase(entry.BasePayload, entry.NewPayload, rec.Payload)
		entry.BasePayload = rec.Payload.Clone()
		entry.PreviousVersion = rec.Version
		entry.ParentSeq = 0
	}
	entry.State = StatePending
	entry.Attempts = 0
	entry.RetryAt = time.Time{}
	entry.LastError = ""
	if err := e.journal.Update(ctx, entry); err != nil {
		return ChangeEntry{}, syncErrors.NewWithComponent(syncErrors.OpRetry, "journal", err)
	}
	e.logger.InfoContext(ctx, "Failed entry requeued",
		slog.String("entry_id", entry.ID),
		slog.String("key", entry.Key().String()),
		slog.Uint64("base_version", entry.PreviousVersion))
	return entry, nil
}

// Discard drops an entry that is not in flight. While it runs no cycle can pick up
// an entry of the same record.
func (e *Engine) Discard(ctx context.Context, entryID string) error {
	if e.isClosed() {
		return e.closedError(syncErrors.OpDiscard)
	}

	e.editMu.Lock()
	defer e.editMu.Unlock()

	entry, err := e.journal.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if !e.acquire(entry) {
		return syncErrors.NewValidationError(syncErrors.OpDiscard,
			fmt.Errorf("entry %s cannot be discarded while %s is syncing", entryID, entry.Key()))
	}
	defer e.release(entry)

	// Re-read under the slot in case a cycle dispatched it first.
	entry, err = e.journal.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.State == StateInFlight {
		return syncErrors.NewValidationError(syncErrors.OpDiscard, fmt.Errorf("entry %s is in flight", entryID))
	}
	if err := e.journal.Discard(ctx, entryID); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "Entry discarded",
		slog.String("entry_id", entry.ID),
		slog.String("key", entry.Key().String()),
		slog.String("state", string(entry.State)))
	return nil
}

// StartAutoSync runs a cycle immediately and then every SyncInterval until ctx is done,
// StopAutoSync is called, or the engine is closed.
func (e *Engine) StartAutoSync(ctx context.Context) error {
	e.logger.Info("Starting automatic sync", slog.Duration("interval", e.opts.SyncInterval))
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if e.closed {
		return e.closedError(syncErrors.OpSync)
	}
	if e.autoStop != nil {
		return syncErrors.New(syncErrors.OpSync, errors.New("auto sync is already running"))
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	e.autoStop, e.autoDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.opts.SyncInterval)
		defer func() {
			ticker.Stop()
			e.logger.Info("Auto sync goroutine stopped")
		}()

		run := func() {
			if _, err := e.SyncOnce(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("Auto sync cycle failed", slog.Any("error", err))
			}
		}

		run()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				run()
			}
		}
	}()
	return nil
}

// StopAutoSync stops the loop and waits for a running cycle to finish.
func (e *Engine) StopAutoSync() error {
	e.mu.Lock()
	if e.autoStop == nil {
		e.mu.Unlock()
		return syncErrors.New(syncErrors.OpSync, errors.New("auto sync is not running"))
	}
	done := e.stopLocked()
	e.mu.Unlock()

	<-done
	e.logger.Info("Auto sync stopped")
	return nil
}

func (e *Engine) stopLocked() chan struct{} {
	close(e.autoStop)
	done := e.autoDone
	e.autoStop, e.autoDone = nil, nil
	return done
}

// Close stops auto sync. The store, journal and gateway belong to the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var done chan struct{}
	if e.autoStop != nil {
		done = e.stopLocked()
	}
	e.mu.Unlock()

	if done != nil {
		<-done
	}
	e.logger.Info("Sync engine closed")
	return nil
}
