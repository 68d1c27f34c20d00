package push

import (
	"context"
	"sync"
	"time"
)

// cachedBearer is the short-lived OAuth2 credential used for sends.
type cachedBearer struct {
	accessToken string
	obtainedAt  time.Time
	expiresAt   time.Time
}

// valid reports whether the token is still usable with the safety margin.
func (b *cachedBearer) valid(now time.Time) bool {
	return b.expiresAt.Sub(now) > expiryMargin
}

// bearerCache guards the single cached bearer. Readers share the lock; the
// refresh path takes the write lock and re-checks so that a concurrent burst
// of expired reads triggers only one exchange.
type bearerCache struct {
	mu     sync.RWMutex
	bearer *cachedBearer
}

// accessToken returns a bearer token with more than the safety margin left,
// refreshing synchronously when needed. A failed refresh surfaces to the
// caller and is retried on next use.
func (c *FCMClient) accessToken(ctx context.Context) (string, error) {
	c.bearer.mu.RLock()
	if b := c.bearer.bearer; b != nil && b.valid(time.Now()) {
		token := b.accessToken
		c.bearer.mu.RUnlock()
		return token, nil
	}
	c.bearer.mu.RUnlock()

	c.bearer.mu.Lock()
	defer c.bearer.mu.Unlock()

	// Another caller may have refreshed while we waited for the write lock.
	if b := c.bearer.bearer; b != nil && b.valid(time.Now()) {
		return b.accessToken, nil
	}

	c.logger.Debug("bearer token missing or expiring, refreshing")

	start := time.Now()
	bearer, err := c.exchangeToken(ctx)
	if err != nil {
		return "", err
	}

	c.bearer.bearer = bearer
	c.logger.Debug("bearer token refreshed",
		"duration_ms", time.Since(start).Milliseconds(),
		"expires_at", bearer.expiresAt,
	)

	return bearer.accessToken, nil
}
