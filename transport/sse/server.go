// Package sse streams sync notifications to browsers and operator tools as
// Server-Sent Events.
package sse

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/notify"
	"github.com/c0deZ3R0/quotesync/synckit"
)

const component = "transport/sse"

// Source is the part of notify.Bus the server needs.
type Source interface {
	Subscribe(handler notify.Handler, opts ...notify.SubscribeOption) (unsubscribe func())
}

// Server serves one event stream per request.
type Server struct {
	source    Source
	logger    *slog.Logger
	heartbeat time.Duration
	buffer    int
	clients   atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logging.ForComponent(l, "sse") }
}

// WithHeartbeat sets how often a comment line is sent to keep idle proxies from
// closing the stream. Zero disables it.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeat = d }
}

// WithBuffer sets how many events may wait for a slow client before the bus
// subscription starts queueing.
func WithBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// NewServer creates a server streaming events from source.
func NewServer(source Source, opts ...ServerOption) *Server {
	s := &Server{
		source:    source,
		logger:    logging.ForComponent(nil, "sse"),
		heartbeat: 15 * time.Second,
		buffer:    64,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close ends every open stream. http.Server.Shutdown does not cancel streaming
// requests, so call Close first.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Clients returns the number of connected streams.
func (s *Server) Clients() int { return int(s.clients.Load()) }

// Handler returns the stream handler. The query parameters kind and type take
// comma separated lists and narrow the stream.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		select {
		case <-s.done:
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		filters, err := parseFilters(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ctx := r.Context()
		events := make(chan synckit.Event, s.buffer)
		unsubscribe := s.source.Subscribe(func(ev synckit.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			case <-s.done:
			}
		}, filters...)
		defer unsubscribe()

		s.clients.Add(1)
		defer s.clients.Add(-1)
		s.logger.Debug("Client connected", slog.String("remote", r.RemoteAddr), slog.String("query", r.URL.RawQuery))

		var tick <-chan time.Time
		if s.heartbeat > 0 {
			ticker := time.NewTicker(s.heartbeat)
			defer ticker.Stop()
			tick = ticker.C
		}

		var seq uint64
		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Client disconnected", slog.String("remote", r.RemoteAddr))
				return
			case <-s.done:
				return
			case <-tick:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev := <-events:
				seq++
				if err := writeEvent(w, seq, ev); err != nil {
					s.logger.Warn("Failed to write event",
						slog.Any("error", syncErrors.E(syncErrors.Op("sse.Handler"), syncErrors.Component(component), err)))
					return
				}
				flusher.Flush()
			}
		}
	})
}

func parseFilters(r *http.Request) ([]notify.SubscribeOption, error) {
	var opts []notify.SubscribeOption
	if kinds := splitList(r.URL.Query()["kind"]); len(kinds) > 0 {
		parsed := make([]synckit.Kind, 0, len(kinds))
		for _, k := range kinds {
			kind, err := synckit.ParseKind(k)
			if err != nil {
				return nil, err
			}
			parsed = append(parsed, kind)
		}
		opts = append(opts, notify.WithKinds(parsed...))
	}
	if types := splitList(r.URL.Query()["type"]); len(types) > 0 {
		parsed := make([]synckit.EventType, 0, len(types))
		for _, t := range types {
			et := synckit.EventType(t)
			switch et {
			case synckit.EventRecordUpdated, synckit.EventSyncFailed, synckit.EventConflictDetected:
			default:
				return nil, fmt.Errorf("unknown event type %q", t)
			}
			parsed = append(parsed, et)
		}
		opts = append(opts, notify.WithTypes(parsed...))
	}
	return opts, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
