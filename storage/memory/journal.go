package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// Journal is a map-backed ChangeJournal. Sequence numbers start at 1.
type Journal struct {
	mu      sync.RWMutex
	seq     uint64
	entries map[string]synckit.ChangeEntry
}

var _ synckit.ChangeJournal = (*Journal)(nil)

func NewJournal() *Journal {
	return &Journal{entries: make(map[string]synckit.ChangeEntry)}
}

func (j *Journal) Append(ctx context.Context, entry synckit.ChangeEntry) (synckit.ChangeEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	entry.Seq = j.seq
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.State = synckit.StatePending
	j.entries[entry.ID] = entry.Clone()
	return entry, nil
}

func (j *Journal) PendingEntries(ctx context.Context) ([]synckit.ChangeEntry, error) {
	return j.Entries(ctx, synckit.StatePending)
}

func (j *Journal) Entries(ctx context.Context, states ...synckit.SyncState) ([]synckit.ChangeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[synckit.SyncState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	j.mu.RLock()
	out := make([]synckit.ChangeEntry, 0)
	for _, entry := range j.entries {
		if len(want) == 0 || want[entry.State] {
			out = append(out, entry.Clone())
		}
	}
	j.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out, nil
}

func (j *Journal) Get(ctx context.Context, id string) (synckit.ChangeEntry, error) {
	if err := ctx.Err(); err != nil {
		return synckit.ChangeEntry{}, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	entry, ok := j.entries[id]
	if !ok {
		return synckit.ChangeEntry{}, synckit.ErrUnknownEntry(syncErrors.OpGet, id)
	}
	return entry.Clone(), nil
}

func (j *Journal) MarkState(ctx context.Context, id string, state synckit.SyncState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !state.Valid() {
		return syncErrors.NewValidationError(syncErrors.OpMarkState, errInvalidState(state))
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	entry, ok := j.entries[id]
	if !ok {
		return synckit.ErrUnknownEntry(syncErrors.OpMarkState, id)
	}
	entry.State = state
	j.entries[id] = entry
	return nil
}

func (j *Journal) Update(ctx context.Context, entry synckit.ChangeEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !entry.State.Valid() {
		return syncErrors.NewValidationError(syncErrors.OpMarkState, errInvalidState(entry.State))
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	current, ok := j.entries[entry.ID]
	if !ok {
		return synckit.ErrUnknownEntry(syncErrors.OpMarkState, entry.ID)
	}
	// Identity fields are fixed at append time.
	entry.Seq = current.Seq
	entry.RecordID = current.RecordID
	entry.Kind = current.Kind
	entry.CreatedAt = current.CreatedAt
	j.entries[entry.ID] = entry.Clone()
	return nil
}

func (j *Journal) Discard(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[id]; !ok {
		return synckit.ErrUnknownEntry(syncErrors.OpDiscard, id)
	}
	delete(j.entries, id)
	return nil
}

func (j *Journal) PurgeConfirmed(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for id, entry := range j.entries {
		if entry.State == synckit.StateConfirmed {
			delete(j.entries, id)
			n++
		}
	}
	return n, nil
}

func errInvalidState(s synckit.SyncState) error {
	return fmt.Errorf("invalid sync state %q", s)
}
