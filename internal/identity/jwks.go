package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

// JWKSCache fetches and caches a JSON Web Key Set, guarded by a mutex, with
// refresh-on-miss de-duplicated by singleflight so concurrent handlers
// racing on an unknown kid trigger exactly one upstream fetch.
type JWKSCache struct {
	url        string
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.Mutex
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time

	group singleflight.Group
}

// NewJWKSCache builds a cache that fetches from url, with the given TTL and
// timeouts matching the spec's 10s overall / 5s connect budget.
func NewJWKSCache(url string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
		ttl:  ttl,
		keys: make(map[string]jose.JSONWebKey),
	}
}

// Key returns the key for kid, refreshing the cache once if it is stale or
// the kid is not yet known.
func (c *JWKSCache) Key(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	c.mu.Lock()
	stale := time.Since(c.fetchedAt) > c.ttl
	key, ok := c.keys[kid]
	c.mu.Unlock()

	if ok && !stale {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		if ok {
			// Serve the stale key rather than fail outright when refresh errors
			// but we already had this kid cached.
			return key, nil
		}
		return jose.JSONWebKey{}, err
	}

	c.mu.Lock()
	key, ok = c.keys[kid]
	c.mu.Unlock()
	if !ok {
		return jose.JSONWebKey{}, fmt.Errorf("jwks: unknown kid %q after refresh", kid)
	}
	return key, nil
}

// refresh re-fetches the key set, de-duplicating concurrent callers.
func (c *JWKSCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return nil, fmt.Errorf("building jwks request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching jwks: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching jwks: status %d", resp.StatusCode)
		}

		var set jose.JSONWebKeySet
		if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
			return nil, fmt.Errorf("decoding jwks: %w", err)
		}

		keys := make(map[string]jose.JSONWebKey, len(set.Keys))
		for _, k := range set.Keys {
			keys[k.KeyID] = k
		}

		c.mu.Lock()
		c.keys = keys
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}
