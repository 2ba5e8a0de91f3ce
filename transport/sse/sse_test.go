package sse

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/notify"
	"github.com/c0deZ3R0/quotesync/synckit"
)

func updated(kind synckit.Kind, id string, version uint64) synckit.Event {
	rec := synckit.Record{ID: id, Kind: kind, Version: version, Payload: synckit.Payload{"price": 10}}
	return synckit.Event{Type: synckit.EventRecordUpdated, Kind: kind, RecordID: id, At: time.Now().UTC(), New: &rec}
}

func failed(kind synckit.Kind, id string) synckit.Event {
	return synckit.Event{Type: synckit.EventSyncFailed, Kind: kind, RecordID: id, At: time.Now().UTC(), Reason: "rejected"}
}

type streamFixture struct {
	bus    *notify.Bus
	server *Server
	http   *httptest.Server
	client *Client
	hc     *http.Client
}

func newStreamFixture(t *testing.T, opts ...ServerOption) *streamFixture {
	t.Helper()
	bus := notify.NewBus(logging.Discard())
	opts = append([]ServerOption{WithServerLogger(logging.Discard())}, opts...)
	server := NewServer(bus, opts...)
	srv := httptest.NewServer(server.Handler())
	hc := &http.Client{Transport: &http.Transport{}}
	f := &streamFixture{bus: bus, server: server, http: srv, client: NewClient(srv.URL, hc), hc: hc}
	t.Cleanup(func() {
		hc.CloseIdleConnections()
		srv.Close()
		_ = bus.Close()
	})
	return f
}

// follow subscribes in the background and returns the received events and the
// Subscribe result.
func (f *streamFixture) follow(t *testing.T, ctx context.Context, filter Filter) (<-chan synckit.Event, <-chan error) {
	t.Helper()
	before := f.bus.Subscribers()
	events := make(chan synckit.Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Subscribe(ctx, filter, func(ev synckit.Event) error {
			events <- ev
			return nil
		})
	}()
	require.Eventually(t, func() bool { return f.bus.Subscribers() == before+1 }, time.Second, 5*time.Millisecond)
	return events, done
}

func receive(t *testing.T, events <-chan synckit.Event) synckit.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return synckit.Event{}
	}
}

func TestServer_StreamsBusEventsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newStreamFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	events, done := f.follow(t, ctx, Filter{})
	assert.Equal(t, 1, f.server.Clients())

	for v := uint64(1); v <= 3; v++ {
		f.bus.Publish(updated(synckit.KindQuote, "q-1", v))
	}
	for v := uint64(1); v <= 3; v++ {
		ev := receive(t, events)
		assert.Equal(t, synckit.EventRecordUpdated, ev.Type)
		assert.Equal(t, synckit.Key{Kind: synckit.KindQuote, ID: "q-1"}, ev.Key())
		require.NotNil(t, ev.New)
		assert.Equal(t, v, ev.New.Version)
		assert.True(t, synckit.ValuesEqual(10, ev.New.Payload["price"]))
	}

	cancel()
	require.NoError(t, <-done)
	assert.Eventually(t, func() bool { return f.bus.Subscribers() == 0 && f.server.Clients() == 0 },
		time.Second, 5*time.Millisecond, "subscription released on disconnect")

	f.hc.CloseIdleConnections()
	f.http.Close()
	require.NoError(t, f.bus.Close())
}

func TestServer_CloseEndsStreams(t *testing.T) {
	f := newStreamFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, done := f.follow(t, ctx, Filter{})

	require.NoError(t, f.server.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after Close")
	}

	resp, err := f.hc.Get(f.http.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_FiltersByKindAndType(t *testing.T) {
	f := newStreamFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, _ := f.follow(t, ctx, Filter{Kinds: []synckit.Kind{synckit.KindQuote}, Types: []synckit.EventType{synckit.EventSyncFailed}})

	f.bus.Publish(failed(synckit.KindDeal, "d-1"))
	f.bus.Publish(updated(synckit.KindQuote, "q-1", 1))
	f.bus.Publish(failed(synckit.KindQuote, "q-2"))

	ev := receive(t, events)
	assert.Equal(t, synckit.EventSyncFailed, ev.Type)
	assert.Equal(t, "q-2", ev.RecordID)
	assert.Equal(t, "rejected", ev.Reason)

	select {
	case extra := <-events:
		t.Fatalf("unexpected event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServer_RejectsUnknownFilters(t *testing.T) {
	f := newStreamFixture(t)
	for _, q := range []string{"kind=invoice", "type=bogus", "kind=quote,,nope"} {
		resp, err := f.hc.Get(f.http.URL + "?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
	assert.Equal(t, 0, f.bus.Subscribers())
}

func TestServer_Heartbeat(t *testing.T) {
	f := newStreamFixture(t, WithHeartbeat(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL, nil)
	require.NoError(t, err)
	resp, err := f.hc.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if sc.Text() == ": ping" {
			break
		}
	}
	assert.Equal(t, ": connected", lines[0])
	assert.Equal(t, ": ping", lines[len(lines)-1])
}

func TestSubscribe_HandlerError(t *testing.T) {
	f := newStreamFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := errors.New("stop")
	done := make(chan error, 1)
	go func() {
		done <- f.client.Subscribe(ctx, Filter{}, func(synckit.Event) error { return stop })
	}()
	require.Eventually(t, func() bool { return f.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	f.bus.Publish(failed(synckit.KindDeal, "d-1"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, stop)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return the handler error")
	}
}

func TestSubscribe_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, nil).Subscribe(context.Background(), Filter{}, func(synckit.Event) error { return nil })
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
	assert.Contains(t, err.Error(), "nope")
}

func TestSubscribe_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {not json\n\n")
	}))
	defer srv.Close()

	err := NewClient(srv.URL, nil).Subscribe(context.Background(), Filter{}, func(synckit.Event) error { return nil })
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid), "%v", err)
}

func TestSubscribe_StreamEndIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_ = writeEvent(w, 1, failed(synckit.KindQuote, "q-1"))
	}))
	defer srv.Close()

	var got []synckit.Event
	err := NewClient(srv.URL, nil).Subscribe(context.Background(), Filter{}, func(ev synckit.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "q-1", got[0].RecordID)
}

func TestFrameReader(t *testing.T) {
	stream := ": comment\n\nid: 7\nevent: sync_failed\ndata: {\"a\":\ndata: 1}\n\ndata: tail\n"
	fr := newFrameReader(strings.NewReader(stream), 1<<10)

	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "7", f.ID)
	assert.Equal(t, "sync_failed", f.Event)
	assert.Equal(t, "{\"a\":\n1}", string(f.Data))

	// An unterminated frame at EOF is dropped.
	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}
