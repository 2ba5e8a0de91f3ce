// Package memory provides in-process RecordStore and ChangeJournal implementations.
// They are used by tests and by the mock quoting API, and when storage.driver is
// "memory".
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// Store is a map-backed RecordStore.
type Store struct {
	mu      sync.RWMutex
	records map[synckit.Key]synckit.Record
}

var _ synckit.RecordStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{records: make(map[synckit.Key]synckit.Record)}
}

func (s *Store) Get(ctx context.Context, kind synckit.Kind, id string) (synckit.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return synckit.Record{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[synckit.Key{Kind: kind, ID: id}]
	if !ok {
		return synckit.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *Store) Put(ctx context.Context, rec synckit.Record) (*synckit.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	current, exists := s.records[key]
	if exists && rec.Version <= current.Version {
		return nil, syncErrors.E(syncErrors.OpPut, syncErrors.Component("storage/memory"),
			&synckit.VersionConflictError{Key: key, Attempted: rec.Version, Current: current.Clone()})
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.records[key] = rec.Clone()
	if !exists {
		return nil, nil
	}
	return &current, nil
}

func (s *Store) List(ctx context.Context, kind synckit.Kind) ([]synckit.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]synckit.Record, 0)
	for key, rec := range s.records {
		if key.Kind == kind {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
