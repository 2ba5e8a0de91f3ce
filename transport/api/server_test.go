package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/gateway/memgateway"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/storage/memory"
	"github.com/c0deZ3R0/quotesync/synckit"
	"github.com/c0deZ3R0/quotesync/transport/api"
)

type fixture struct {
	gateway *memgateway.Gateway
	engine  *synckit.Engine
	metrics *synckit.CountingCollector
	server  *httptest.Server
}

func newFixture(t *testing.T, engineOpts []synckit.EngineOption, apiOpts ...api.Option) *fixture {
	t.Helper()
	f := &fixture{gateway: memgateway.New(), metrics: synckit.NewCountingCollector()}
	opts := append([]synckit.EngineOption{
		synckit.WithLogger(logging.Discard()),
		synckit.WithMetrics(f.metrics),
	}, engineOpts...)
	engine, err := synckit.NewEngine(memory.NewStore(), memory.NewJournal(), f.gateway, opts...)
	require.NoError(t, err)
	f.engine = engine

	apiOpts = append([]api.Option{api.WithLogger(logging.Discard())}, apiOpts...)
	f.server = httptest.NewServer(api.NewServer(engine, apiOpts...))
	t.Cleanup(func() {
		f.server.Close()
		_ = engine.Close()
	})
	return f
}

// call sends body as JSON and decodes the response into out when out is not nil.
func (f *fixture) call(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	var body map[string]string
	assert.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["gateway"])

	f.gateway.SetFault(func(op string, key synckit.Key) error {
		if op == "health" {
			return syncErrors.NewNetworkError(syncErrors.OpHealth, errors.New("dial tcp: connection refused"))
		}
		return nil
	})
	body = nil
	assert.Equal(t, http.StatusServiceUnavailable, f.call(t, http.MethodGet, "/healthz", nil, &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["gateway"], "connection refused")
}

func TestRecordLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.Seed(synckit.Record{ID: "q-1", Kind: synckit.KindQuote, Version: 1, Payload: synckit.Payload{"price": 10}})

	var refreshed map[string]int
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/records/quote/refresh", api.RefreshRequest{IDs: []string{"q-1"}}, &refreshed))
	assert.Equal(t, 1, refreshed["updated"])

	var recs []synckit.Record
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/records/quote", nil, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Version)

	var entry synckit.ChangeEntry
	require.Equal(t, http.StatusAccepted, f.call(t, http.MethodPut, "/records/quote/q-1", synckit.Payload{"price": 20}, &entry))
	assert.Equal(t, synckit.StatePending, entry.State)
	assert.Equal(t, uint64(1), entry.PreviousVersion)

	var view api.RecordView
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/records/quote/q-1", nil, &view))
	assert.True(t, view.Pending)
	assert.True(t, synckit.ValuesEqual(20, view.Record.Payload["price"]))

	var res api.SyncResponse
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/sync", nil, &res))
	assert.Equal(t, 1, res.Confirmed)
	assert.Empty(t, res.Errors)

	view = api.RecordView{}
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/records/quote/q-1", nil, &view))
	assert.False(t, view.Pending)
	assert.Equal(t, uint64(2), view.Record.Version)

	var empty []synckit.Record
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/records/deal", nil, &empty))
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestRecordErrors(t *testing.T) {
	f := newFixture(t, nil)
	var body map[string]string

	assert.Equal(t, http.StatusNotFound, f.call(t, http.MethodGet, "/records/quote/missing", nil, &body))
	assert.NotEmpty(t, body["error"])
	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodGet, "/records/invoice", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodPut, "/records/quote/q-1", "not an object", nil))
	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodPut, "/records/quote/q-1", nil, nil))
}

func TestJournalRetryAndDiscard(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.SetFault(func(op string, key synckit.Key) error {
		if op == "submit" {
			return syncErrors.NewRejectedError(syncErrors.OpSubmit, errors.New("price rejected"))
		}
		return nil
	})

	var entry synckit.ChangeEntry
	require.Equal(t, http.StatusAccepted, f.call(t, http.MethodPut, "/records/deal/d-1", synckit.Payload{"stage": "won"}, &entry))
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/sync", nil, nil))

	var failed []synckit.ChangeEntry
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/journal?state=failed", nil, &failed))
	require.Len(t, failed, 1)
	assert.Equal(t, entry.ID, failed[0].ID)
	assert.Contains(t, failed[0].LastError, "price rejected")

	var pending []synckit.ChangeEntry
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/journal?state=pending,in_flight", nil, &pending))
	assert.Empty(t, pending)

	var retried synckit.ChangeEntry
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/journal/"+entry.ID+"/retry", nil, &retried))
	assert.Equal(t, synckit.StatePending, retried.State)
	assert.Zero(t, retried.Attempts)

	// Only failed entries can be retried.
	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodPost, "/journal/"+entry.ID+"/retry", nil, nil))

	var got synckit.ChangeEntry
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/journal/"+entry.ID, nil, &got))
	assert.Equal(t, synckit.StatePending, got.State)

	assert.Equal(t, http.StatusNoContent, f.call(t, http.MethodDelete, "/journal/"+entry.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, f.call(t, http.MethodGet, "/journal/"+entry.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, f.call(t, http.MethodPost, "/journal/nope/retry", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.call(t, http.MethodDelete, "/journal/nope", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodGet, "/journal?state=bogus", nil, nil))
}

func TestConflictsAndMetrics(t *testing.T) {
	trail := synckit.NewMemoryAuditTrail(16)
	f := newFixture(t, []synckit.EngineOption{synckit.WithAuditTrail(trail)}, api.WithMetrics(synckit.NewCountingCollector()))
	ctx := context.Background()

	f.gateway.Seed(synckit.Record{ID: "q-1", Kind: synckit.KindQuote, Version: 1, Payload: synckit.Payload{"price": 5}})
	_, err := f.engine.Refresh(ctx, synckit.KindQuote, "q-1")
	require.NoError(t, err)
	_, err = f.engine.Edit(ctx, synckit.KindQuote, "q-1", synckit.Payload{"price": 10})
	require.NoError(t, err)
	_, err = f.gateway.RemoteEdit(synckit.KindQuote, "q-1", synckit.Payload{"price": 12})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/sync", nil, nil))

	var mementos []synckit.ResolutionMemento
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/conflicts?kind=quote&id=q-1&limit=5", nil, &mementos))
	require.Len(t, mementos, 1)
	assert.Equal(t, synckit.DecisionKeepRemote, mementos[0].Decision)

	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodGet, "/conflicts?limit=-1", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodGet, "/conflicts?kind=invoice", nil, nil))

	var snap synckit.MetricsSnapshot
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/metrics", nil, &snap))
	assert.NotNil(t, snap.Runs)
}

func TestOptionalEndpointsDisabled(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.call(t, http.MethodGet, "/conflicts", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.call(t, http.MethodGet, "/metrics", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.call(t, http.MethodGet, "/events", nil, nil))
}

func TestEventsMounted(t *testing.T) {
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	f := newFixture(t, nil, api.WithEvents(events))
	assert.Equal(t, http.StatusTeapot, f.call(t, http.MethodGet, "/events", nil, nil))
}

func TestParseStates(t *testing.T) {
	states, err := api.ParseStates("failed, pending", "confirmed")
	require.NoError(t, err)
	assert.Equal(t, []synckit.SyncState{synckit.StateFailed, synckit.StatePending, synckit.StateConfirmed}, states)

	states, err = api.ParseStates()
	require.NoError(t, err)
	assert.Empty(t, states)

	_, err = api.ParseStates("done")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}
