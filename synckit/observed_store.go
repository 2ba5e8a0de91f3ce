package synckit

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/quotesync/logging"
)

const lockStripes = 64

// ObservedStore decorates a RecordStore so every successful Put publishes a
// record_updated event. Puts are serialized per key and the event is published
// before the key is released, so events for one record arrive in write order.
type ObservedStore struct {
	backend   RecordStore
	publisher Publisher
	clock     Clock
	logger    *slog.Logger
	stripes   [lockStripes]sync.Mutex
}

var _ RecordStore = (*ObservedStore)(nil)

// NewObservedStore wraps backend. A nil publisher drops events.
func NewObservedStore(backend RecordStore, publisher Publisher, clock Clock, logger *slog.Logger) *ObservedStore {
	if publisher == nil {
		publisher = NopPublisher
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &ObservedStore{
		backend:   backend,
		publisher: publisher,
		clock:     clock,
		logger:    logging.ForComponent(logger, "record-store"),
	}
}

// Backend returns the wrapped store.
func (s *ObservedStore) Backend() RecordStore { return s.backend }

func (s *ObservedStore) lock(k Key) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.String()))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *ObservedStore) Get(ctx context.Context, kind Kind, id string) (Record, bool, error) {
	return s.backend.Get(ctx, kind, id)
}

func (s *ObservedStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	return s.backend.List(ctx, kind)
}

func (s *ObservedStore) Put(ctx context.Context, rec Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.clock.Now().UTC()
	}

	unlock := s.lock(rec.Key())
	defer unlock()

	prev, err := s.backend.Put(ctx, rec)
	if err != nil {
		return nil, err
	}
	s.logger.Log(ctx, logging.LevelTrace, "record stored",
		slog.String("key", rec.Key().String()),
		slog.Uint64("version", rec.Version),
		slog.String("origin", string(rec.Origin)))
	s.publisher.Publish(recordUpdated(prev, rec, rec.UpdatedAt))
	return prev, nil
}
