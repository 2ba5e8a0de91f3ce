package httpgateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/synckit"
)

const component = "gateway/http"

// Limits defines size and compression limits shared by Client and Handler.
type Limits struct {
	MaxBodyBytes         int64 // Maximum body size in bytes
	MaxDecompressedBytes int64 // Maximum decompressed body size
	EnableGzip           bool  // Whether to gzip request and response bodies
	GzipMinBytes         int   // Minimum bytes before applying gzip compression
}

// DefaultLimits returns 8MB raw / 64MB inflated bodies with gzip above 1KB.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes:         8 << 20,
		MaxDecompressedBytes: 64 << 20,
		EnableGzip:           true,
		GzipMinBytes:         1024,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = d.MaxBodyBytes
	}
	if l.MaxDecompressedBytes <= 0 {
		l.MaxDecompressedBytes = d.MaxDecompressedBytes
	}
	if l.GzipMinBytes < 0 {
		l.GzipMinBytes = 0
	}
	return l
}

// Client is the HTTP implementation of synckit.QuoteGateway.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	tokens  TokenSource
	logger  *slog.Logger
}

var (
	_ synckit.QuoteGateway  = (*Client)(nil)
	_ synckit.RecordLister  = (*Client)(nil)
	_ synckit.HealthChecker = (*Client)(nil)
)

// ClientOption configures a Client using the functional options pattern.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. Its transport should not decompress
// responses itself or the inflated size limit cannot be enforced.
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) { c.http = cl }
}

// WithLimits sets the size and compression limits.
func WithLimits(l Limits) ClientOption {
	return func(c *Client) { c.limits = l.withDefaults() }
}

// WithTokenSource sets the bearer token source. Without one no Authorization
// header is sent.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.ForComponent(logger, "http-gateway") }
}

func newHTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	// Decompression is done by safeResponseReader so both limits apply.
	tr.DisableCompression = true
	return &http.Client{Transport: tr, Timeout: 30 * time.Second}
}

// NewClient creates a client for the quoting API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpLoad, fmt.Errorf("invalid gateway base url %q", baseURL))
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    newHTTPClient(),
		limits:  DefaultLimits(),
		logger:  logging.ForComponent(nil, "http-gateway"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the base URL for the client
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) recordURL(kind synckit.Kind, id string) string {
	return fmt.Sprintf("%s/records/%s/%s", c.baseURL, url.PathEscape(string(kind)), url.PathEscape(id))
}

func (c *Client) Fetch(ctx context.Context, kind synckit.Kind, id string) (synckit.Record, error) {
	key := synckit.Key{Kind: kind, ID: id}
	resp, err := c.do(ctx, syncErrors.OpFetch, http.MethodGet, c.recordURL(kind, id), nil)
	if err != nil {
		return synckit.Record{}, err
	}
	defer resp.Body.Close()
	return c.decodeRecord(ctx, syncErrors.OpFetch, key, 0, resp)
}

// List returns every record of kind. A server without listing support answers 501,
// which is reported as synckit.ErrListingUnsupported.
func (c *Client) List(ctx context.Context, kind synckit.Kind) ([]synckit.Record, error) {
	key := synckit.Key{Kind: kind}
	target := fmt.Sprintf("%s/records/%s", c.baseURL, url.PathEscape(string(kind)))
	resp, err := c.do(ctx, syncErrors.OpList, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader, cleanup, err := safeResponseReader(resp, c.limits)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpList, syncErrors.Component(component), syncErrors.KindTransient, err)
	}
	defer cleanup()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotImplemented:
		return nil, syncErrors.E(syncErrors.OpList, syncErrors.Component(component), syncErrors.KindInvalid, synckit.ErrListingUnsupported)
	default:
		return nil, c.statusError(ctx, syncErrors.OpList, key, 0, resp.StatusCode, reader)
	}

	var lr ListResponse
	if err := json.NewDecoder(reader).Decode(&lr); err != nil {
		return nil, c.decodeError(syncErrors.OpList, err)
	}
	recs := make([]synckit.Record, 0, len(lr.Records))
	for _, w := range lr.Records {
		rec := w.Record()
		if rec.Kind != kind {
			return nil, syncErrors.E(syncErrors.OpList, syncErrors.Component(component), syncErrors.KindInternal,
				fmt.Errorf("listing %s returned %s", kind, rec.Key()))
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Health calls GET {base}/health. Any status other than 200 is an error.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, syncErrors.OpHealth, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		drain(resp)
		return nil
	}

	reader, cleanup, err := safeResponseReader(resp, c.limits)
	if err != nil {
		return syncErrors.E(syncErrors.OpHealth, syncErrors.Component(component), syncErrors.KindTransient, err)
	}
	defer cleanup()
	return c.statusError(ctx, syncErrors.OpHealth, synckit.Key{}, 0, resp.StatusCode, reader)
}

func (c *Client) Submit(ctx context.Context, kind synckit.Kind, id string, baseVersion uint64, payload synckit.Payload) (synckit.Record, error) {
	key := synckit.Key{Kind: kind, ID: id}
	body, err := json.Marshal(SubmitRequest{BaseVersion: baseVersion, Payload: payload})
	if err != nil {
		return synckit.Record{}, syncErrors.NewValidationError(syncErrors.OpSubmit, fmt.Errorf("failed to marshal payload: %w", err))
	}
	resp, err := c.do(ctx, syncErrors.OpSubmit, http.MethodPut, c.recordURL(kind, id), body)
	if err != nil {
		return synckit.Record{}, err
	}
	defer resp.Body.Close()
	return c.decodeRecord(ctx, syncErrors.OpSubmit, key, baseVersion, resp)
}

// do sends the request and, on 401, refreshes the token and sends it once more.
func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, target string, body []byte) (*http.Response, error) {
	token := ""
	if c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, c.authError(op, fmt.Errorf("failed to obtain token: %w", err))
		}
		token = t
	}

	resp, err := c.send(ctx, op, method, target, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || c.tokens == nil {
		return resp, nil
	}
	drain(resp)

	c.logger.Info("Token rejected, refreshing", slog.String("url", target))
	token, err = c.tokens.Refresh(ctx)
	if err != nil {
		return nil, c.authError(op, fmt.Errorf("failed to refresh token: %w", err))
	}
	return c.send(ctx, op, method, target, body, token)
}

func (c *Client) send(ctx context.Context, op syncErrors.Operation, method, target string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	compressed := false
	if body != nil {
		if c.limits.EnableGzip && len(body) > c.limits.GzipMinBytes {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(body); err != nil {
				return nil, syncErrors.NewWithComponent(op, component, fmt.Errorf("failed to compress request: %w", err))
			}
			if err := gw.Close(); err != nil {
				return nil, syncErrors.NewWithComponent(op, component, fmt.Errorf("failed to close gzip writer: %w", err))
			}
			reader = &buf
			compressed = true
		} else {
			reader = bytes.NewReader(body)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, syncErrors.NewWithComponent(op, component, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.limits.EnableGzip {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Request failed", slog.String("method", method), slog.String("url", target), slog.Any("error", err))
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient,
			syncErrors.ErrCodeNetworkFailure, fmt.Errorf("network error: %w", err))
	}
	return resp, nil
}

func (c *Client) decodeRecord(ctx context.Context, op syncErrors.Operation, key synckit.Key, baseVersion uint64, resp *http.Response) (synckit.Record, error) {
	reader, cleanup, err := safeResponseReader(resp, c.limits)
	if err != nil {
		return synckit.Record{}, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, err)
	}
	defer cleanup()

	if resp.StatusCode == http.StatusOK {
		var w WireRecord
		if err := json.NewDecoder(reader).Decode(&w); err != nil {
			return synckit.Record{}, c.decodeError(op, err)
		}
		rec := w.Record()
		if rec.Key() != key {
			return synckit.Record{}, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInternal,
				fmt.Errorf("response for %s while requesting %s", rec.Key(), key))
		}
		return rec, nil
	}
	return synckit.Record{}, c.statusError(ctx, op, key, baseVersion, resp.StatusCode, reader)
}

// statusError maps a non-200 response onto the error kinds the engine acts on.
func (c *Client) statusError(ctx context.Context, op syncErrors.Operation, key synckit.Key, baseVersion uint64, status int, body io.Reader) error {
	var er ErrorResponse
	// Error bodies are advisory; a non-JSON body still maps by status.
	_ = json.NewDecoder(body).Decode(&er)
	message := er.Error
	if message == "" {
		message = http.StatusText(status)
	}
	cause := fmt.Errorf("status %d: %s", status, message)
	c.logger.DebugContext(ctx, "Gateway returned error status",
		slog.String("op", string(op)), slog.String("key", key.String()), slog.Int("status_code", status))

	switch {
	case status == http.StatusConflict && er.Current != nil:
		return syncErrors.E(op, syncErrors.Component(component),
			&synckit.VersionConflictError{Key: key, Attempted: baseVersion, Current: er.Current.Record()})
	case status == http.StatusConflict:
		// A 409 without the current record cannot be merged; refetching next cycle can.
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, cause)
	case status == http.StatusNotFound:
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindNotFound, cause)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return c.authError(op, cause)
	case status == http.StatusUnprocessableEntity:
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindRejected,
			syncErrors.ErrCodeRejected, cause)
	case status == http.StatusTooManyRequests, status >= 500:
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient,
			syncErrors.ErrCodeNetworkFailure, cause)
	default:
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid,
			syncErrors.ErrCodeValidationFailure, cause)
	}
}

func (c *Client) decodeError(op syncErrors.Operation, err error) error {
	if errors.Is(err, errDecompressedTooLarge) || errors.Is(err, errBodyTooLarge) {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("response exceeds size limit: %w", err))
	}
	return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient,
		fmt.Errorf("failed to decode response: %w", err))
}

func (c *Client) authError(op syncErrors.Operation, err error) error {
	return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, syncErrors.ErrCodeAuthFailure, err)
}

// drain lets the connection be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
