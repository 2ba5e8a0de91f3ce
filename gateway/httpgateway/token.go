package httpgateway

import (
	"context"
	"sync"
)

// TokenSource supplies bearer tokens. Refresh is called once after a 401 and must
// return a token the API has not rejected yet.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error)   { return string(t), nil }
func (t StaticToken) Refresh(context.Context) (string, error) { return string(t), nil }

// CachedToken caches the token returned by fetch until Refresh is called.
type CachedToken struct {
	fetch func(ctx context.Context) (string, error)

	mu    sync.Mutex
	token string
}

// NewCachedToken returns a TokenSource that calls fetch lazily.
func NewCachedToken(fetch func(ctx context.Context) (string, error)) *CachedToken {
	return &CachedToken{fetch: fetch}
}

func (c *CachedToken) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	return c.load(ctx)
}

func (c *CachedToken) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

func (c *CachedToken) load(ctx context.Context) (string, error) {
	token, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}
