package memgateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

func TestSubmitCreatesAndBumpsVersion(t *testing.T) {
	g := New()
	ctx := context.Background()

	rec, err := g.Submit(ctx, synckit.KindQuote, "q-1", 0, synckit.Payload{"price": 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)
	assert.Equal(t, synckit.OriginRemote, rec.Origin)

	rec, err = g.Submit(ctx, synckit.KindQuote, "q-1", 1, synckit.Payload{"price": 11})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
}

func TestSubmitStaleBaseConflicts(t *testing.T) {
	g := New()
	ctx := context.Background()
	g.Seed(synckit.Record{ID: "q-1", Kind: synckit.KindQuote, Version: 4, Payload: synckit.Payload{"price": 12}})

	_, err := g.Submit(ctx, synckit.KindQuote, "q-1", 3, synckit.Payload{"price": 10})
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindVersionConflict))

	var vc *synckit.VersionConflictError
	require.True(t, errors.As(err, &vc))
	assert.Equal(t, uint64(4), vc.Current.Version)
	assert.Equal(t, 12, vc.Current.Payload["price"])
}

func TestSubmitIsIdempotentOnBaseVersion(t *testing.T) {
	g := New()
	ctx := context.Background()

	first, err := g.Submit(ctx, synckit.KindDeal, "d-1", 0, synckit.Payload{"stage": "won"})
	require.NoError(t, err)
	again, err := g.Submit(ctx, synckit.KindDeal, "d-1", 0, synckit.Payload{"stage": "won"})
	require.NoError(t, err)
	assert.Equal(t, first.Version, again.Version)

	// Same base, different payload is a genuine conflict.
	_, err = g.Submit(ctx, synckit.KindDeal, "d-1", 0, synckit.Payload{"stage": "lost"})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindVersionConflict))
}

func TestSubmitUnknownRecordWithBase(t *testing.T) {
	g := New()
	_, err := g.Submit(context.Background(), synckit.KindQuote, "ghost", 3, synckit.Payload{})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound), "%v", err)
}

func TestFetch(t *testing.T) {
	g := New()
	ctx := context.Background()

	_, err := g.Fetch(ctx, synckit.KindQuote, "q-1")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))

	g.Seed(synckit.Record{ID: "q-1", Kind: synckit.KindQuote, Version: 2, Payload: synckit.Payload{"price": 1}})
	rec, err := g.Fetch(ctx, synckit.KindQuote, "q-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
}

func TestRemoteEdit(t *testing.T) {
	g := New()
	g.Seed(synckit.Record{ID: "q-1", Kind: synckit.KindQuote, Version: 2, Payload: synckit.Payload{"price": 1, "note": "a"}})

	rec, err := g.RemoteEdit(synckit.KindQuote, "q-1", synckit.Payload{"price": 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Version)
	assert.Equal(t, 5, rec.Payload["price"])
	assert.Equal(t, "a", rec.Payload["note"])
}

func TestFault(t *testing.T) {
	g := New()
	boom := syncErrors.NewNetworkError(syncErrors.OpSubmit, errors.New("connection reset"))
	g.SetFault(func(op string, key synckit.Key) error {
		if op == "submit" {
			return boom
		}
		return nil
	})

	_, err := g.Submit(context.Background(), synckit.KindQuote, "q-1", 0, synckit.Payload{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, g.Stats().Submits)

	g.SetFault(nil)
	_, err = g.Submit(context.Background(), synckit.KindQuote, "q-1", 0, synckit.Payload{})
	assert.NoError(t, err)
}

func TestListAndHealth(t *testing.T) {
	g := New()
	ctx := context.Background()

	recs, err := g.List(ctx, synckit.KindQuote)
	require.NoError(t, err)
	assert.Empty(t, recs)

	g.Seed(synckit.Record{ID: "q-2", Kind: synckit.KindQuote, Version: 1})
	g.Seed(synckit.Record{ID: "q-1", Kind: synckit.KindQuote, Version: 3})
	g.Seed(synckit.Record{ID: "d-1", Kind: synckit.KindDeal, Version: 1})

	recs, err = g.List(ctx, synckit.KindQuote)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "q-1", recs[0].ID)
	assert.Equal(t, "q-2", recs[1].ID)
	assert.Equal(t, 2, g.Stats().Lists)

	require.NoError(t, g.Health(ctx))

	down := errors.New("maintenance window")
	g.SetFault(func(op string, key synckit.Key) error {
		if op == "health" || op == "list" {
			return down
		}
		return nil
	})
	assert.ErrorIs(t, g.Health(ctx), down)
	_, err = g.List(ctx, synckit.KindDeal)
	assert.ErrorIs(t, err, down)
}
