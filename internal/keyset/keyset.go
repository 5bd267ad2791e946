// Package keyset caches the issuer's published JWK set behind a freshness
// window so token verification does not hit the network on every request.
package keyset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/canopyops/toolgate/authn"
)

// DefaultTTL is the freshness window for a cached key set.
const DefaultTTL = time.Hour

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the freshness window.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithHTTPClient overrides the HTTP client used for key-set fetches.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Cache) { c.client = cl }
}

// Cache fetches and caches the issuer's JWK set. A cached entry is replaced
// wholesale once its age exceeds the TTL; it is never partially updated.
//
// A fetch failure is surfaced even when a stale entry is still held. Serving
// known-stale keys would let verification keep succeeding against keys the
// issuer may have rotated out, so staleness is treated as unavailability.
type Cache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	current   keyfunc.Keyfunc
	fetchedAt time.Time
}

// New builds a Cache for the given JWKS URL.
func New(jwksURL string, opts ...Option) *Cache {
	c := &Cache{
		url:    jwksURL,
		ttl:    DefaultTTL,
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keyfunc returns a jwt.Keyfunc backed by the cached key set, fetching a
// fresh set first when the cached entry is missing or older than the TTL.
// Concurrent refreshes collapse into a single fetch; replacement is atomic
// and last-write-wins, which is safe because every fetch yields a complete
// set rather than a delta.
func (c *Cache) Keyfunc(ctx context.Context) (jwt.Keyfunc, error) {
	c.mu.Lock()
	if c.current != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		kf := c.current
		c.mu.Unlock()
		return kf.Keyfunc, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		kf, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.current = kf
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return kf, nil
	})
	if err != nil {
		return nil, authn.WrapError(authn.CodeKeySetUnavailable, "failed to fetch issuer key set", err)
	}
	return v.(keyfunc.Keyfunc).Keyfunc, nil
}

// Invalidate drops the cached entry so the next Keyfunc call fetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context) (keyfunc.Keyfunc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build key-set request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key-set fetch: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("key-set fetch: unexpected status %d", res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("key-set read: %w", err)
	}
	kf, err := keyfunc.NewJWKSetJSON(body)
	if err != nil {
		return nil, fmt.Errorf("key-set parse: %w", err)
	}
	return kf, nil
}
