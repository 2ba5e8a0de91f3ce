package synckit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

func TestPayload_CloneIsDeep(t *testing.T) {
	p := synckit.Payload{
		"lines": []any{map[string]any{"sku": "a", "qty": 1}},
		"meta":  map[string]any{"tags": []any{"x"}},
	}
	c := p.Clone()
	c["lines"].([]any)[0].(map[string]any)["qty"] = 2
	c["meta"].(map[string]any)["tags"].([]any)[0] = "y"

	assert.Equal(t, 1, p["lines"].([]any)[0].(map[string]any)["qty"])
	assert.Equal(t, "x", p["meta"].(map[string]any)["tags"].([]any)[0])
	assert.Nil(t, synckit.Payload(nil).Clone())
}

func TestPayload_Equal(t *testing.T) {
	assert.True(t, synckit.Payload{"a": 1, "b": "x"}.Equal(synckit.Payload{"b": "x", "a": 1.0}))
	assert.False(t, synckit.Payload{"a": 1}.Equal(synckit.Payload{"a": 2}))
	assert.False(t, synckit.Payload{"a": 1}.Equal(synckit.Payload{"b": 1}))
	assert.True(t, synckit.Payload{}.Equal(nil))
	assert.Equal(t, []string{"a", "b", "c"}, synckit.Payload{"c": 1, "a": 1, "b": 1}.Fields())
}

func TestRebase(t *testing.T) {
	tests := []struct {
		name               string
		base, edited, onto synckit.Payload
		want               synckit.Payload
	}{
		{
			name:   "untouched fields follow onto",
			base:   synckit.Payload{"price": 5, "note": "a"},
			edited: synckit.Payload{"price": 6, "note": "a"},
			onto:   synckit.Payload{"price": 5, "note": "b"},
			want:   synckit.Payload{"price": 6, "note": "b"},
		},
		{
			name:   "removed field stays removed",
			base:   synckit.Payload{"price": 5, "note": "a"},
			edited: synckit.Payload{"price": 5},
			onto:   synckit.Payload{"price": 7, "note": "a"},
			want:   synckit.Payload{"price": 7},
		},
		{
			name:   "added field is carried",
			base:   synckit.Payload{"price": 5},
			edited: synckit.Payload{"price": 5, "discount": 2},
			onto:   synckit.Payload{"price": 9, "owner": "ana"},
			want:   synckit.Payload{"price": 9, "owner": "ana", "discount": 2},
		},
		{
			name:   "new record",
			edited: synckit.Payload{"price": 1},
			onto:   nil,
			want:   synckit.Payload{"price": 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, synckit.Rebase(tt.base, tt.edited, tt.onto))
		})
	}
}

func TestRecord_Validate(t *testing.T) {
	assert.NoError(t, quote("q-1", 1, synckit.Payload{}).Validate())
	assert.Error(t, synckit.Record{Kind: synckit.KindQuote, Version: 1}.Validate())
	assert.Error(t, synckit.Record{ID: "x", Kind: "invoice", Version: 1}.Validate())

	k, err := synckit.ParseKind("inventory_item")
	require.NoError(t, err)
	assert.Equal(t, synckit.KindInventoryItem, k)
	_, err = synckit.ParseKind("invoice")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
	assert.Equal(t, "deal/d-1", synckit.Key{Kind: synckit.KindDeal, ID: "d-1"}.String())
}

func TestMemoryAuditTrail(t *testing.T) {
	trail := synckit.NewMemoryAuditTrail(3)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Error(t, trail.Save(ctx, synckit.ResolutionMemento{}))
	for i := 0; i < 5; i++ {
		require.NoError(t, trail.Save(ctx, synckit.ResolutionMemento{
			ID:        fmt.Sprintf("m-%d", i),
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Kind:      synckit.KindQuote,
			RecordID:  fmt.Sprintf("q-%d", i%2),
		}))
	}

	all, err := trail.List(ctx, synckit.MementoCriteria{})
	require.NoError(t, err)
	var ids []string
	for _, m := range all {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m-4", "m-3", "m-2"}, ids, "newest first, oldest evicted")

	q0, err := trail.List(ctx, synckit.MementoCriteria{RecordID: "q-0"})
	require.NoError(t, err)
	assert.Len(t, q0, 2)

	from := start.Add(4 * time.Minute)
	recent, err := trail.List(ctx, synckit.MementoCriteria{From: &from})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	limited, err := trail.List(ctx, synckit.MementoCriteria{Limit: 1, Kind: synckit.KindQuote})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
