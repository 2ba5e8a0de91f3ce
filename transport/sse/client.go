package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// Client follows a stream served by Server.
type Client struct {
	BaseURL string
	Client  *http.Client
}

// NewClient creates a new SSE client. streamURL is the full URL of the stream
// endpoint.
func NewClient(streamURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL: streamURL,
		Client:  httpClient,
	}
}

// Filter narrows the stream on the server side.
type Filter struct {
	Kinds []synckit.Kind
	Types []synckit.EventType
}

func (f Filter) query() string {
	q := url.Values{}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		q.Set("kind", strings.Join(kinds, ","))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q.Set("type", strings.Join(types, ","))
	}
	return q.Encode()
}

// Subscribe calls handler for every event until ctx is cancelled, the server
// closes the stream or handler returns an error. Cancellation returns nil.
func (c *Client) Subscribe(ctx context.Context, filter Filter, handler func(synckit.Event) error) error {
	op := syncErrors.Op("sse.Subscribe")
	target := c.BaseURL
	if q := filter.query(); q != "" {
		target += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, err, "http request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	frames := newFrameReader(resp.Body, 10<<20)
	for {
		f, err := frames.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindTransient, err, "read stream")
		}
		ev, err := f.Decode()
		if err != nil {
			return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "decode event")
		}
		if err := handler(ev); err != nil {
			return err
		}
	}
}
