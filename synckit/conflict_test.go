package synckit_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

func conflictCase(local, remote, base synckit.Payload) synckit.ConflictCase {
	return synckit.ConflictCase{
		Local:  synckit.Record{ID: "q-1", Kind: synckit.KindQuote, Version: 1, Payload: local, Origin: synckit.OriginLocal},
		Remote: synckit.Record{ID: "q-1", Kind: synckit.KindQuote, Version: 2, Payload: remote, Origin: synckit.OriginRemote},
		Base:   base,
	}
}

func TestFieldMergeResolver_RemoteWinsSharedFields(t *testing.T) {
	r := &synckit.FieldMergeResolver{Policy: synckit.DefaultPolicy()}
	res, err := r.Resolve(context.Background(), conflictCase(
		synckit.Payload{"price": 10, "note": "x"},
		synckit.Payload{"price": 12, "note": "y"},
		nil,
	))
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, synckit.Payload{"price": 12, "note": "y"}, res.Record.Payload)
	assert.Equal(t, synckit.DecisionKeepRemote, res.Decision)
	require.Len(t, res.Conflicts, 2)
	assert.Equal(t, "note", res.Conflicts[0].Field)
	assert.Equal(t, "x", res.Conflicts[0].Local)
	assert.Equal(t, "y", res.Conflicts[0].Remote)
	assert.Equal(t, "price", res.Conflicts[1].Field)
}

func TestFieldMergeResolver_Cases(t *testing.T) {
	tests := []struct {
		name      string
		policy    synckit.Policy
		local     synckit.Payload
		remote    synckit.Payload
		base      synckit.Payload
		want      synckit.Payload
		decision  string
		conflicts int
	}{
		{
			name:     "local-only field kept",
			local:    synckit.Payload{"price": 10, "discount": 5},
			remote:   synckit.Payload{"price": 10},
			want:     synckit.Payload{"price": 10, "discount": 5},
			decision: synckit.DecisionMerge,
		},
		{
			name:     "local-only field dropped",
			policy:   synckit.Policy{LocalOnly: synckit.LocalOnlyDrop},
			local:    synckit.Payload{"price": 10, "discount": 5},
			remote:   synckit.Payload{"price": 10},
			want:     synckit.Payload{"price": 10},
			decision: synckit.DecisionKeepRemote,
		},
		{
			name:     "remote-only field kept",
			local:    synckit.Payload{"price": 10},
			remote:   synckit.Payload{"price": 10, "owner": "ana"},
			want:     synckit.Payload{"price": 10, "owner": "ana"},
			decision: synckit.DecisionKeepRemote,
		},
		{
			name:      "two-way ignores base",
			local:     synckit.Payload{"price": 10, "note": "old"},
			remote:    synckit.Payload{"price": 5, "note": "new"},
			base:      synckit.Payload{"price": 5, "note": "old"},
			want:      synckit.Payload{"price": 5, "note": "new"},
			decision:  synckit.DecisionKeepRemote,
			conflicts: 2,
		},
		{
			name:     "three-way takes the only changed side",
			policy:   synckit.Policy{Merge: synckit.MergeThreeWay},
			local:    synckit.Payload{"price": 10, "note": "mine"},
			remote:   synckit.Payload{"price": 12, "note": "old"},
			base:     synckit.Payload{"price": 10, "note": "old"},
			want:     synckit.Payload{"price": 12, "note": "mine"},
			decision: synckit.DecisionMerge,
		},
		{
			name:     "three-way local deletion applies",
			policy:   synckit.Policy{Merge: synckit.MergeThreeWay},
			local:    synckit.Payload{"price": 10},
			remote:   synckit.Payload{"price": 10, "note": "old"},
			base:     synckit.Payload{"price": 10, "note": "old"},
			want:     synckit.Payload{"price": 10},
			decision: synckit.DecisionMerge,
		},
		{
			name:     "three-way remote deletion applies",
			policy:   synckit.Policy{Merge: synckit.MergeThreeWay},
			local:    synckit.Payload{"price": 10, "note": "old"},
			remote:   synckit.Payload{"price": 10},
			base:     synckit.Payload{"price": 10, "note": "old"},
			want:     synckit.Payload{"price": 10},
			decision: synckit.DecisionKeepRemote,
		},
		{
			name:      "per-field override",
			policy:    synckit.Policy{Fields: map[string]synckit.Side{"note": synckit.SideLocal}},
			local:     synckit.Payload{"price": 10, "note": "x"},
			remote:    synckit.Payload{"price": 12, "note": "y"},
			want:      synckit.Payload{"price": 12, "note": "x"},
			decision:  synckit.DecisionMerge,
			conflicts: 2,
		},
		{
			name:      "local wins everywhere",
			policy:    synckit.Policy{Shared: synckit.SideLocal},
			local:     synckit.Payload{"price": 10},
			remote:    synckit.Payload{"price": 12},
			want:      synckit.Payload{"price": 10},
			decision:  synckit.DecisionMerge,
			conflicts: 1,
		},
		{
			name:     "numbers compare by value",
			local:    synckit.Payload{"price": 12},
			remote:   synckit.Payload{"price": 12.0},
			want:     synckit.Payload{"price": 12.0},
			decision: synckit.DecisionKeepRemote,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := synckit.NewFieldMergeResolver(tt.policy)
			require.NoError(t, err)
			res, err := r.Resolve(context.Background(), conflictCase(tt.local, tt.remote, tt.base))
			require.NoError(t, err)
			require.False(t, res.Rejected)
			assert.Equal(t, tt.want, res.Record.Payload)
			assert.Equal(t, tt.decision, res.Decision)
			assert.Len(t, res.Conflicts, tt.conflicts)
			assert.Equal(t, uint64(2), res.Record.Version)
		})
	}
}

func TestFieldMergeResolver_Reject(t *testing.T) {
	r, err := synckit.NewFieldMergeResolver(synckit.Policy{Merge: synckit.MergeThreeWay, OnConflict: synckit.ConflictReject})
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), conflictCase(
		synckit.Payload{"price": 10},
		synckit.Payload{"price": 12},
		synckit.Payload{"price": 5},
	))
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.Nil(t, res.Record)
	assert.Equal(t, synckit.DecisionRejected, res.Decision)
	require.Len(t, res.Conflicts, 1)

	// Without a true conflict the reject policy still merges.
	res, err = r.Resolve(context.Background(), conflictCase(
		synckit.Payload{"price": 10, "note": "x"},
		synckit.Payload{"price": 5, "note": "y"},
		synckit.Payload{"price": 5, "note": "x"},
	))
	require.NoError(t, err)
	assert.False(t, res.Rejected)
	assert.Equal(t, synckit.Payload{"price": 10, "note": "y"}, res.Record.Payload)
}

func TestFieldMergeResolver_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&synckit.FieldMergeResolver{}).Resolve(ctx, conflictCase(nil, nil, nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, synckit.Policy{}.Validate())
	assert.NoError(t, synckit.DefaultPolicy().Validate())

	bad := []synckit.Policy{
		{Shared: "both"},
		{LocalOnly: "maybe"},
		{OnConflict: "panic"},
		{Merge: "n_way"},
		{Fields: map[string]synckit.Side{"price": "middle"}},
	}
	for _, p := range bad {
		err := p.Validate()
		assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid), "%+v", p)
		_, err = synckit.NewFieldMergeResolver(p)
		assert.Error(t, err)
	}
}

var fieldNames = []string{"price", "note", "qty", "stage", "owner"}

func payloadGen() *rapid.Generator[synckit.Payload] {
	return rapid.Custom(func(t *rapid.T) synckit.Payload {
		p := synckit.Payload{}
		for _, f := range fieldNames {
			if rapid.Bool().Draw(t, "has_"+f) {
				p[f] = rapid.IntRange(0, 3).Draw(t, f)
			}
		}
		return p
	})
}

func TestFieldMergeResolver_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		local := payloadGen().Draw(t, "local")
		remote := payloadGen().Draw(t, "remote")
		var base synckit.Payload
		if rapid.Bool().Draw(t, "has_base") {
			base = payloadGen().Draw(t, "base")
		}
		policy := synckit.Policy{
			Shared:    rapid.SampledFrom([]synckit.Side{synckit.SideRemote, synckit.SideLocal}).Draw(t, "shared"),
			LocalOnly: rapid.SampledFrom([]synckit.LocalOnlyMode{synckit.LocalOnlyKeep, synckit.LocalOnlyDrop}).Draw(t, "local_only"),
			Merge:     rapid.SampledFrom([]synckit.MergeMode{synckit.MergeTwoWay, synckit.MergeThreeWay}).Draw(t, "merge"),
		}
		r := &synckit.FieldMergeResolver{Policy: policy}
		c := conflictCase(local, remote, base)
		localBefore, remoteBefore := local.Clone(), remote.Clone()

		first, err := r.Resolve(context.Background(), c)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		second, err := r.Resolve(context.Background(), c)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !first.Record.Payload.Equal(second.Record.Payload) || first.Decision != second.Decision ||
			strings.Join(first.Reasons, "|") != strings.Join(second.Reasons, "|") {
			t.Fatalf("resolution is not deterministic: %+v vs %+v", first, second)
		}

		merged := first.Record.Payload
		for _, f := range fieldNames {
			lv, inLocal := local[f]
			rv, inRemote := remote[f]
			mv, inMerged := merged[f]

			// Fields both sides agree on are untouched.
			if inLocal && inRemote && synckit.ValuesEqual(lv, rv) {
				if !inMerged || !synckit.ValuesEqual(mv, rv) {
					t.Fatalf("agreed field %s changed to %v", f, mv)
				}
			}
			// Merged values always come from one of the two sides.
			if inMerged && !(inLocal && synckit.ValuesEqual(mv, lv)) && !(inRemote && synckit.ValuesEqual(mv, rv)) {
				t.Fatalf("field %s has value %v from neither side", f, mv)
			}
			// Without a base every shared field counts as changed on both sides.
			twoWay := base == nil || policy.Merge == synckit.MergeTwoWay
			if twoWay && policy.Shared == synckit.SideRemote && inLocal && inRemote {
				if !synckit.ValuesEqual(mv, rv) {
					t.Fatalf("shared field %s: want remote %v, got %v", f, rv, mv)
				}
			}
		}
		if first.Decision == synckit.DecisionKeepRemote && !merged.Equal(remote) {
			t.Fatalf("keep_remote decision with merged %v != remote %v", merged, remote)
		}
		// Inputs are never mutated.
		if !local.Equal(localBefore) || !remote.Equal(remoteBefore) {
			t.Fatal("resolver mutated its input")
		}
	})
}

func FuzzFieldMergeResolver(f *testing.F) {
	f.Add("price", 10, 12, true, false)
	f.Add("note", 0, 0, false, true)
	f.Add("", -1, 1, true, true)

	f.Fuzz(func(t *testing.T, field string, lv, rv int, localWins, withBase bool) {
		policy := synckit.DefaultPolicy()
		if localWins {
			policy.Shared = synckit.SideLocal
		}
		var base synckit.Payload
		if withBase {
			base = synckit.Payload{field: 0}
		}
		r := &synckit.FieldMergeResolver{Policy: policy}
		res, err := r.Resolve(context.Background(), conflictCase(
			synckit.Payload{field: lv, "local_only": true},
			synckit.Payload{field: rv},
			base,
		))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if res.Record == nil {
			t.Fatal("merge policy produced no record")
		}
		if _, ok := res.Record.Payload["local_only"]; !ok && field != "local_only" {
			t.Fatal("local-only field lost under keep policy")
		}
	})
}

type stubResolver struct {
	decision string
	err      error
	calls    int
}

func (s *stubResolver) Resolve(_ context.Context, c synckit.ConflictCase) (synckit.Resolution, error) {
	s.calls++
	if s.err != nil {
		return synckit.Resolution{}, s.err
	}
	rec := c.Remote.Clone()
	return synckit.Resolution{Record: &rec, Decision: s.decision}, nil
}

func TestKindResolver_FirstMatchWins(t *testing.T) {
	deals := &stubResolver{decision: "deals"}
	anything := &stubResolver{decision: "anything"}
	fallback := &stubResolver{decision: "fallback"}

	var matched []string
	kr, err := synckit.NewKindResolver(
		synckit.WithKindRule(synckit.KindDeal, deals),
		synckit.WithRule("any-quote-or-item", synckit.AnyOf(synckit.KindIs(synckit.KindQuote), synckit.KindIs(synckit.KindInventoryItem)), anything),
		synckit.WithFallback(fallback),
		synckit.WithHooks(synckit.Hooks{
			OnRuleMatched: func(_ synckit.ConflictCase, r synckit.Rule) { matched = append(matched, r.Name) },
		}),
	)
	require.NoError(t, err)
	require.Len(t, kr.Rules(), 2)

	c := conflictCase(synckit.Payload{}, synckit.Payload{}, nil)
	res, err := kr.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "anything", res.Decision)

	c.Remote.Kind = synckit.KindDeal
	res, err = kr.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "deals", res.Decision)
	assert.Equal(t, []string{"any-quote-or-item", "kind:deal"}, matched)
	assert.Zero(t, fallback.calls)
}

func TestKindResolver_FallbackAndErrors(t *testing.T) {
	_, err := synckit.NewKindResolver()
	assert.Error(t, err)
	_, err = synckit.NewKindResolver(synckit.WithRule("nil-matcher", nil, &stubResolver{}))
	assert.Error(t, err)
	_, err = synckit.NewKindResolver(synckit.WithRule("nil-resolver", synckit.KindIs(synckit.KindDeal), nil))
	assert.Error(t, err)

	var fellBack, failed bool
	boom := errors.New("boom")
	kr, err := synckit.NewKindResolver(
		synckit.WithKindRule(synckit.KindDeal, &stubResolver{err: boom}),
		synckit.WithFallback(&stubResolver{decision: "fallback"}),
		synckit.WithHooks(synckit.Hooks{
			OnFallback: func(synckit.ConflictCase) { fellBack = true },
			OnError:    func(synckit.ConflictCase, error) { failed = true },
		}),
	)
	require.NoError(t, err)

	res, err := kr.Resolve(context.Background(), conflictCase(nil, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Decision)
	assert.True(t, fellBack)

	c := conflictCase(nil, nil, nil)
	c.Remote.Kind = synckit.KindDeal
	_, err = kr.Resolve(context.Background(), c)
	assert.ErrorIs(t, err, boom)
	assert.True(t, failed)

	noFallback, err := synckit.NewKindResolver(synckit.WithKindRule(synckit.KindDeal, &stubResolver{}))
	require.NoError(t, err)
	_, err = noFallback.Resolve(context.Background(), conflictCase(nil, nil, nil))
	assert.Error(t, err)
}

func TestObservableResolver_RecordsMetrics(t *testing.T) {
	metrics := synckit.NewCountingCollector()
	inner := &stubResolver{decision: synckit.DecisionMerge}
	or := synckit.NewObservableResolver(inner, synckit.WithMetricsCollector(metrics))
	assert.Same(t, inner, or.Unwrap())

	_, err := or.Resolve(context.Background(), conflictCase(nil, nil, nil))
	require.NoError(t, err)
	inner.err = context.DeadlineExceeded
	_, err = or.Resolve(context.Background(), conflictCase(nil, nil, nil))
	require.Error(t, err)

	snap := metrics.Snapshot()
	assert.Equal(t, 1, snap.Conflicts["quote."+synckit.DecisionMerge])
	assert.Equal(t, 1, snap.Errors["conflict_resolve.timeout"])
}
