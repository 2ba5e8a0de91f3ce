package httpgateway

import (
	"compress/gzip"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// Handler serves a synckit.QuoteGateway over the wire contract.
type Handler struct {
	gateway synckit.QuoteGateway
	limits  Limits
	token   string
	logger  *slog.Logger
	router  chi.Router
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLimits sets request and response size limits.
func WithHandlerLimits(l Limits) HandlerOption {
	return func(h *Handler) { h.limits = l.withDefaults() }
}

// WithBearerToken requires every request to carry token.
func WithBearerToken(token string) HandlerOption {
	return func(h *Handler) { h.token = token }
}

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logging.ForComponent(logger, "http-gateway-server") }
}

// NewHandler returns an http.Handler serving gateway.
func NewHandler(gateway synckit.QuoteGateway, opts ...HandlerOption) *Handler {
	h := &Handler{
		gateway: gateway,
		limits:  DefaultLimits(),
		logger:  logging.ForComponent(nil, "http-gateway-server"),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if h.token != "" {
		r.Use(h.authenticate)
	}
	r.Get("/health", h.health)
	r.Get("/records/{kind}", h.list)
	r.Get("/records/{kind}/{id}", h.fetch)
	r.Put("/records/{kind}/{id}", h.submit)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.router.ServeHTTP(w, r) }

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			h.respondWithError(w, r, http.StatusUnauthorized, "invalid or missing bearer token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) key(w http.ResponseWriter, r *http.Request) (synckit.Key, bool) {
	kind, err := synckit.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, err.Error(), nil)
		return synckit.Key{}, false
	}
	return synckit.Key{Kind: kind, ID: chi.URLParam(r, "id")}, true
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	rec, err := h.gateway.Fetch(r.Context(), key.Kind, key.ID)
	if err != nil {
		h.respondWithGatewayError(w, r, err)
		return
	}
	h.respondWithJSON(w, r, http.StatusOK, toWire(rec))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	kind, err := synckit.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	lister, ok := h.gateway.(synckit.RecordLister)
	if !ok {
		h.respondWithError(w, r, http.StatusNotImplemented, "listing is not supported", nil)
		return
	}
	recs, err := lister.List(r.Context(), kind)
	if err != nil {
		h.respondWithGatewayError(w, r, err)
		return
	}
	out := ListResponse{Records: make([]WireRecord, len(recs))}
	for i, rec := range recs {
		out.Records[i] = toWire(rec)
	}
	h.respondWithJSON(w, r, http.StatusOK, out)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if checker, ok := h.gateway.(synckit.HealthChecker); ok {
		if err := checker.Health(r.Context()); err != nil {
			h.logger.Warn("Health check failed", slog.Any("error", err))
			h.respondWithError(w, r, http.StatusServiceUnavailable, err.Error(), nil)
			return
		}
	}
	h.respondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	body, cleanup, err := safeRequestReader(w, r, h.limits)
	if err != nil {
		h.respondWithError(w, r, requestBodyStatus(err), err.Error(), nil)
		return
	}
	defer cleanup()

	var req SubmitRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.respondWithError(w, r, requestBodyStatus(err), "invalid request body: "+err.Error(), nil)
		return
	}

	rec, err := h.gateway.Submit(r.Context(), key.Kind, key.ID, req.BaseVersion, req.Payload)
	if err != nil {
		h.respondWithGatewayError(w, r, err)
		return
	}
	h.logger.Debug("Submission applied", slog.String("key", key.String()), slog.Uint64("version", rec.Version))
	h.respondWithJSON(w, r, http.StatusOK, toWire(rec))
}

// StatusFor maps a gateway error to the HTTP status the Client decodes back into
// the same error kind.
func StatusFor(err error) int {
	switch syncErrors.KindOf(err) {
	case syncErrors.KindVersionConflict:
		return http.StatusConflict
	case syncErrors.KindNotFound, syncErrors.KindUnknownEntry:
		return http.StatusNotFound
	case syncErrors.KindInvalid:
		return http.StatusBadRequest
	case syncErrors.KindRejected:
		return http.StatusUnprocessableEntity
	case syncErrors.KindTransient, syncErrors.KindClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	var current *WireRecord
	var vc *synckit.VersionConflictError
	if errors.As(err, &vc) {
		wr := toWire(vc.Current)
		current = &wr
	}
	if status >= 500 {
		h.logger.Error("Gateway call failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	h.respondWithError(w, r, status, err.Error(), current)
}

func (h *Handler) respondWithError(w http.ResponseWriter, r *http.Request, code int, message string, current *WireRecord) {
	h.respondWithJSON(w, r, code, ErrorResponse{Error: message, Current: current})
}

// respondWithJSON gzips bodies above GzipMinBytes when the client accepts it.
func (h *Handler) respondWithJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"failed to marshal response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if h.limits.EnableGzip && len(response) > h.limits.GzipMinBytes &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")
		w.WriteHeader(code)
		gz := gzip.NewWriter(w)
		defer gz.Close()
		_, _ = gz.Write(response)
		return
	}
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
