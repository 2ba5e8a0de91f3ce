// Package api serves the operator HTTP API: browse records, make local edits,
// inspect and repair the change journal, and trigger sync cycles.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/gateway/httpgateway"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// Engine is the part of synckit.Engine the API drives.
type Engine interface {
	Edit(ctx context.Context, kind synckit.Kind, id string, payload synckit.Payload) (synckit.ChangeEntry, error)
	View(ctx context.Context, kind synckit.Kind, id string) (synckit.Record, bool, error)
	SyncOnce(ctx context.Context) (*synckit.SyncResult, error)
	Refresh(ctx context.Context, kind synckit.Kind, ids ...string) (int, error)
	Retry(ctx context.Context, entryID string) (synckit.ChangeEntry, error)
	Discard(ctx context.Context, entryID string) error
	Health(ctx context.Context) error
	Store() synckit.RecordStore
	Journal() synckit.ChangeJournal
	AuditTrail() synckit.AuditTrail
}

var _ Engine = (*synckit.Engine)(nil)

// Server routes operator requests to an Engine.
type Server struct {
	engine  Engine
	metrics *synckit.CountingCollector
	events  http.Handler
	logger  *slog.Logger
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes collector at GET /metrics.
func WithMetrics(collector *synckit.CountingCollector) Option {
	return func(s *Server) { s.metrics = collector }
}

// WithEvents mounts an event stream handler at GET /events.
func WithEvents(h http.Handler) Option {
	return func(s *Server) { s.events = h }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logging.ForComponent(l, "api") }
}

// NewServer builds the router.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{engine: engine, logger: logging.ForComponent(nil, "api")}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Route("/records/{kind}", func(r chi.Router) {
		r.Get("/", s.listRecords)
		r.Post("/refresh", s.refresh)
		r.Get("/{id}", s.viewRecord)
		r.Put("/{id}", s.editRecord)
	})
	r.Route("/journal", func(r chi.Router) {
		r.Get("/", s.listJournal)
		r.Get("/{id}", s.getEntry)
		r.Post("/{id}/retry", s.retryEntry)
		r.Delete("/{id}", s.discardEntry)
	})
	r.Post("/sync", s.syncOnce)
	r.Get("/conflicts", s.listConflicts)
	r.Get("/metrics", s.snapshot)
	if s.events != nil {
		r.Handle("/events", s.events)
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// healthz reports 503 while the quoting gateway is unreachable.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Health(r.Context()); err != nil {
		s.logger.Warn("Gateway health check failed", slog.Any("error", err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "degraded",
			"gateway": err.Error(),
		})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok", "gateway": "ok"})
}

func kindParam(r *http.Request) (synckit.Kind, error) {
	return synckit.ParseKind(chi.URLParam(r, "kind"))
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	recs, err := s.engine.Store().List(r.Context(), kind)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []synckit.Record{}
	}
	respondWithJSON(w, http.StatusOK, recs)
}

// RecordView is the response of GET /records/{kind}/{id}.
type RecordView struct {
	Record synckit.Record `json:"record"`
	// Pending is true when the payload includes unconfirmed local edits.
	Pending bool `json:"pending"`
}

func (s *Server) viewRecord(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	rec, found, err := s.engine.View(r.Context(), kind, id)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	if !found {
		s.respondWithErr(w, r, synckit.ErrRecordNotFound(syncErrors.OpGet, synckit.Key{Kind: kind, ID: id}))
		return
	}
	respondWithJSON(w, http.StatusOK, RecordView{Record: rec, Pending: rec.Origin == synckit.OriginLocal})
}

func (s *Server) editRecord(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	var payload synckit.Payload
	if err := decodeBody(w, r, &payload); err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	entry, err := s.engine.Edit(r.Context(), kind, chi.URLParam(r, "id"), payload)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, entry)
}

// RefreshRequest is the body of POST /records/{kind}/refresh. No ids refreshes
// every stored record of the kind.
type RefreshRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	var req RefreshRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.respondWithErr(w, r, err)
			return
		}
	}
	n, err := s.engine.Refresh(r.Context(), kind, req.IDs...)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *Server) listJournal(w http.ResponseWriter, r *http.Request) {
	states, err := ParseStates(r.URL.Query()["state"]...)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	entries, err := s.engine.Journal().Entries(r.Context(), states...)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []synckit.ChangeEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.Journal().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}

func (s *Server) retryEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}

func (s *Server) discardEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncResponse is the response of POST /sync.
type SyncResponse struct {
	*synckit.SyncResult
	Errors []string `json:"errors,omitempty"`
}

func (s *Server) syncOnce(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.SyncOnce(r.Context())
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	out := SyncResponse{SyncResult: res}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, e.Error())
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	trail := s.engine.AuditTrail()
	if trail == nil {
		respondWithError(w, http.StatusNotFound, "conflict audit trail is disabled")
		return
	}
	q := r.URL.Query()
	var criteria synckit.MementoCriteria
	if k := q.Get("kind"); k != "" {
		kind, err := synckit.ParseKind(k)
		if err != nil {
			s.respondWithErr(w, r, err)
			return
		}
		criteria.Kind = kind
	}
	criteria.RecordID = q.Get("id")
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", l))
			return
		}
		criteria.Limit = n
	}
	mementos, err := trail.List(r.Context(), criteria)
	if err != nil {
		s.respondWithErr(w, r, err)
		return
	}
	if mementos == nil {
		mementos = []synckit.ResolutionMemento{}
	}
	respondWithJSON(w, http.StatusOK, mementos)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondWithError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	respondWithJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// ParseStates parses journal state names. Values may be comma separated.
func ParseStates(values ...string) ([]synckit.SyncState, error) {
	var states []synckit.SyncState
	for _, v := range values {
		for _, part := range splitComma(v) {
			st := synckit.SyncState(part)
			if !st.Valid() {
				return nil, syncErrors.NewValidationError(syncErrors.OpList, fmt.Errorf("unknown journal state %q", part))
			}
			states = append(states, st)
		}
	}
	return states, nil
}

func splitComma(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, 8<<20)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return syncErrors.NewValidationError(syncErrors.Op("decode"), fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

func (s *Server) respondWithErr(w http.ResponseWriter, r *http.Request, err error) {
	status := httpgateway.StatusFor(err)
	if errors.Is(err, context.Canceled) {
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error("Request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err))
	}
	respondWithError(w, status, err.Error())
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"failed to marshal response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
