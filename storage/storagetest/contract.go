// Package storagetest holds the behaviour every RecordStore and ChangeJournal backend
// must share. Backend test files call RunRecordStore and RunJournal.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// RunRecordStore runs the RecordStore contract against stores built by newStore.
// Each subtest gets a fresh store.
func RunRecordStore(t *testing.T, newStore func(t *testing.T) synckit.RecordStore) {
	t.Run("GetAbsent", func(t *testing.T) {
		s := newStore(t)
		_, found, err := s.Get(context.Background(), synckit.KindQuote, "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := quote("q-1", 1, synckit.Payload{"price": 10.0, "note": "x"})

		prev, err := s.Put(ctx, rec)
		require.NoError(t, err)
		assert.Nil(t, prev)

		got, found, err := s.Get(ctx, synckit.KindQuote, "q-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(1), got.Version)
		assert.True(t, rec.Payload.Equal(got.Payload), "payload %v", got.Payload)
		assert.Equal(t, synckit.OriginRemote, got.Origin)
	})

	t.Run("PutReturnsPrevious", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Put(ctx, quote("q-1", 1, synckit.Payload{"price": 10.0}))
		require.NoError(t, err)

		prev, err := s.Put(ctx, quote("q-1", 2, synckit.Payload{"price": 11.0}))
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, uint64(1), prev.Version)
	})

	t.Run("StaleVersionRejectedWithoutMutation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Put(ctx, quote("q-1", 5, synckit.Payload{"price": 10.0}))
		require.NoError(t, err)

		for _, v := range []uint64{5, 4, 1, 0} {
			_, err := s.Put(ctx, quote("q-1", v, synckit.Payload{"price": 99.0}))
			require.Error(t, err, "version %d", v)
			assert.True(t, syncErrors.IsKind(err, syncErrors.KindVersionConflict), "version %d: %v", v, err)

			var vc *synckit.VersionConflictError
			require.True(t, errors.As(err, &vc))
			assert.Equal(t, uint64(5), vc.Current.Version)
		}

		got, _, err := s.Get(ctx, synckit.KindQuote, "q-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(5), got.Version)
		assert.True(t, synckit.ValuesEqual(10.0, got.Payload["price"]))
	})

	t.Run("KindsAreSeparate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Put(ctx, quote("x", 3, synckit.Payload{}))
		require.NoError(t, err)

		deal := synckit.Record{ID: "x", Kind: synckit.KindDeal, Version: 1, Payload: synckit.Payload{}, Origin: synckit.OriginRemote}
		_, err = s.Put(ctx, deal)
		require.NoError(t, err)

		got, found, err := s.Get(ctx, synckit.KindDeal, "x")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("InvalidRecord", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(context.Background(), synckit.Record{Kind: synckit.KindQuote, Version: 1})
		assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid), "%v", err)
	})

	t.Run("ListSortedByID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			_, err := s.Put(ctx, quote(id, 1, synckit.Payload{"id": id}))
			require.NoError(t, err)
		}
		_, err := s.Put(ctx, synckit.Record{ID: "d", Kind: synckit.KindDeal, Version: 1, Payload: synckit.Payload{}})
		require.NoError(t, err)

		list, err := s.List(ctx, synckit.KindQuote)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "a", list[0].ID)
		assert.Equal(t, "b", list[1].ID)
		assert.Equal(t, "c", list[2].ID)
	})

	t.Run("ConcurrentPutsKeepHighestVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for v := uint64(1); v <= 20; v++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.Put(ctx, quote("q-race", v, synckit.Payload{"v": float64(v)}))
			}()
		}
		wg.Wait()

		got, found, err := s.Get(ctx, synckit.KindQuote, "q-race")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(20), got.Version)
		assert.True(t, synckit.ValuesEqual(20.0, got.Payload["v"]))
	})
}

// RunJournal runs the ChangeJournal contract against journals built by newJournal.
func RunJournal(t *testing.T, newJournal func(t *testing.T) synckit.ChangeJournal) {
	t.Run("AppendAssignsSeqAndID", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()

		a, err := j.Append(ctx, edit("q-1", synckit.Payload{"price": 1.0}))
		require.NoError(t, err)
		b, err := j.Append(ctx, edit("q-2", synckit.Payload{"price": 2.0}))
		require.NoError(t, err)

		assert.NotEmpty(t, a.ID)
		assert.NotEqual(t, a.ID, b.ID)
		assert.Greater(t, b.Seq, a.Seq)
		assert.Equal(t, synckit.StatePending, a.State)
	})

	t.Run("AppendResetsState", func(t *testing.T) {
		j := newJournal(t)
		e := edit("q-1", synckit.Payload{})
		e.State = synckit.StateConfirmed
		got, err := j.Append(context.Background(), e)
		require.NoError(t, err)
		assert.Equal(t, synckit.StatePending, got.State)
	})

	t.Run("PendingOrderedBySeq", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		var ids []string
		for i := 0; i < 5; i++ {
			e, err := j.Append(ctx, edit(fmt.Sprintf("q-%d", i%2), synckit.Payload{"i": float64(i)}))
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}
		require.NoError(t, j.MarkState(ctx, ids[2], synckit.StateFailed))

		pending, err := j.PendingEntries(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 4)
		for i := 1; i < len(pending); i++ {
			assert.Less(t, pending[i-1].Seq, pending[i].Seq)
		}
		for _, p := range pending {
			assert.NotEqual(t, ids[2], p.ID)
		}
	})

	t.Run("EntriesFilterByState", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		a, _ := j.Append(ctx, edit("q-1", synckit.Payload{}))
		b, _ := j.Append(ctx, edit("q-2", synckit.Payload{}))
		_, _ = j.Append(ctx, edit("q-3", synckit.Payload{}))
		require.NoError(t, j.MarkState(ctx, a.ID, synckit.StateInFlight))
		require.NoError(t, j.MarkState(ctx, b.ID, synckit.StateFailed))

		all, err := j.Entries(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		some, err := j.Entries(ctx, synckit.StateInFlight, synckit.StateFailed)
		require.NoError(t, err)
		require.Len(t, some, 2)
		assert.Equal(t, a.ID, some[0].ID)
		assert.Equal(t, b.ID, some[1].ID)
	})

	t.Run("UnknownEntry", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()

		_, err := j.Get(ctx, "nope")
		assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnknownEntry), "get: %v", err)
		err = j.MarkState(ctx, "nope", synckit.StateConfirmed)
		assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnknownEntry), "mark: %v", err)
		err = j.Update(ctx, synckit.ChangeEntry{ID: "nope", State: synckit.StatePending})
		assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnknownEntry), "update: %v", err)
		err = j.Discard(ctx, "nope")
		assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnknownEntry), "discard: %v", err)
	})

	t.Run("UpdateRoundTrip", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		e, err := j.Append(ctx, edit("q-1", synckit.Payload{"price": 1.0}))
		require.NoError(t, err)

		retryAt := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
		e.Attempts = 2
		e.RetryAt = retryAt
		e.LastError = "503"
		e.PreviousVersion = 7
		e.BasePayload = synckit.Payload{"price": 0.5}
		e.NewPayload = synckit.Payload{"price": 3.0}
		e.ParentSeq = 0
		require.NoError(t, j.Update(ctx, e))

		got, err := j.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempts)
		assert.True(t, got.RetryAt.Equal(retryAt), "retry_at %v != %v", got.RetryAt, retryAt)
		assert.Equal(t, "503", got.LastError)
		assert.Equal(t, uint64(7), got.PreviousVersion)
		assert.True(t, synckit.ValuesEqual(3.0, got.NewPayload["price"]))
		assert.True(t, synckit.ValuesEqual(0.5, got.BasePayload["price"]))
		assert.Equal(t, e.Seq, got.Seq)
	})

	t.Run("PurgeConfirmedIsIdempotent", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		a, _ := j.Append(ctx, edit("q-1", synckit.Payload{}))
		b, _ := j.Append(ctx, edit("q-2", synckit.Payload{}))
		require.NoError(t, j.MarkState(ctx, a.ID, synckit.StateConfirmed))

		n, err := j.PurgeConfirmed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = j.PurgeConfirmed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, err = j.Get(ctx, a.ID)
		assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnknownEntry))
		_, err = j.Get(ctx, b.ID)
		assert.NoError(t, err)
	})

	t.Run("Discard", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		a, _ := j.Append(ctx, edit("q-1", synckit.Payload{}))
		require.NoError(t, j.Discard(ctx, a.ID))
		all, err := j.Entries(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("ConcurrentAppendsUniqueSeq", func(t *testing.T) {
		j := newJournal(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := j.Append(ctx, edit(fmt.Sprintf("q-%d", i), synckit.Payload{}))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		all, err := j.Entries(ctx)
		require.NoError(t, err)
		require.Len(t, all, 25)
		seen := make(map[uint64]bool)
		for _, e := range all {
			assert.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
			seen[e.Seq] = true
		}
	})
}

func quote(id string, version uint64, payload synckit.Payload) synckit.Record {
	return synckit.Record{
		ID:        id,
		Kind:      synckit.KindQuote,
		Version:   version,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
		Origin:    synckit.OriginRemote,
	}
}

func edit(id string, payload synckit.Payload) synckit.ChangeEntry {
	return synckit.ChangeEntry{
		RecordID:   id,
		Kind:       synckit.KindQuote,
		NewPayload: payload,
		CreatedAt:  time.Now().UTC(),
	}
}
