package provider

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenMargin is how long before expiry a cached credential is refreshed
const DefaultTokenMargin = 30 * time.Second

// TokenCache caches one credential per adapter. Refreshes are serialized so
// concurrent callers never race on the token endpoint.
type TokenCache struct {
	mu     sync.Mutex
	cred   *Credential
	margin time.Duration
	now    func() time.Time
}

// NewTokenCache creates a credential cache
func NewTokenCache(margin time.Duration) *TokenCache {
	return &TokenCache{margin: margin, now: time.Now}
}

// Get returns the cached credential or obtains a new one with fetch
func (c *TokenCache) Get(ctx context.Context, fetch func(ctx context.Context) (*Credential, error)) (*Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred.Valid(c.now(), c.margin) {
		return c.cred, nil
	}

	cred, err := fetch(ctx)
	if err != nil {
		c.cred = nil
		return nil, err
	}
	c.cred = cred
	return cred, nil
}

// Invalidate drops the cached credential so the next call re-authenticates
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()
}

// Cached reports whether a usable credential is held
func (c *TokenCache) Cached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred.Valid(c.now(), c.margin)
}

// ExpiryFromJWT reads the exp claim of a bearer token without verifying it.
// Opaque tokens report ok=false.
func ExpiryFromJWT(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
