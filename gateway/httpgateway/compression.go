package httpgateway

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// errDecompressedTooLarge is a sentinel error for decompressed size limit violations
var errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")

// errBodyTooLarge is returned when a response body exceeds MaxBodyBytes.
var errBodyTooLarge = errors.New("body exceeds maximum size limit")

// maxDecompressedReader wraps an io.Reader to enforce decompressed size limits
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	err      error
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		return 0, r.err
	}

	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)

	if r.consumed >= r.limit && err == nil {
		// Peek one byte to tell "exactly at the limit" from "over it".
		var one [1]byte
		if m, _ := r.reader.Read(one[:]); m > 0 {
			return n, r.err
		}
	}
	return n, err
}

// safeResponseReader limits the raw body to limits.MaxBodyBytes and, for gzip
// responses, the inflated stream to limits.MaxDecompressedBytes.
func safeResponseReader(resp *http.Response, limits Limits) (io.Reader, func(), error) {
	raw := &maxDecompressedReader{reader: resp.Body, limit: limits.MaxBodyBytes, err: errBodyTooLarge}

	encoding := strings.TrimSpace(strings.ToLower(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return raw, func() {}, nil
	case "gzip":
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return nil, func() {}, fmt.Errorf("invalid gzip response: %w", err)
		}
		return &maxDecompressedReader{reader: gz, limit: limits.MaxDecompressedBytes, err: errDecompressedTooLarge},
			func() { gz.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported content encoding: %s", encoding)
	}
}

// safeRequestReader applies the server's size limits to a request body and
// inflates gzip bodies.
func safeRequestReader(w http.ResponseWriter, r *http.Request, limits Limits) (io.Reader, func(), error) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, func() {}, fmt.Errorf("unsupported media type: %s", contentType)
	}
	if r.ContentLength > limits.MaxBodyBytes {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errBodyTooLarge, r.ContentLength, limits.MaxBodyBytes)
	}

	limited := http.MaxBytesReader(w, r.Body, limits.MaxBodyBytes)

	encoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	switch encoding {
	case "":
		return limited, func() {}, nil
	case "gzip":
		gz, err := gzip.NewReader(limited)
		if err != nil {
			return nil, func() {}, fmt.Errorf("invalid gzip data: %w", err)
		}
		return &maxDecompressedReader{reader: gz, limit: limits.MaxDecompressedBytes, err: errDecompressedTooLarge},
			func() { gz.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported content encoding: %s (only gzip is supported)", encoding)
	}
}

// requestBodyStatus maps a body read failure to an HTTP status code.
func requestBodyStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, errDecompressedTooLarge), errors.Is(err, errBodyTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case strings.Contains(err.Error(), "unsupported media type"),
		strings.Contains(err.Error(), "unsupported content encoding"):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
