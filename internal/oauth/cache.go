package oauth

import (
	"sync"
	"time"
)

// cachedToken is an access token held briefly in memory so repeated
// GetValidToken calls do not hit the store on every request. staleAt is
// the moment the underlying credential needs a refresh; a zero staleAt
// means the credential never expires and only the TTL applies.
type cachedToken struct {
	accessToken string
	tokenType   string
	cachedAt    time.Time
	staleAt     time.Time
}

// tokenCache is a TTL cache keyed by tenant. Entries are evicted on
// refresh and revoke, and a janitor drops stale entries periodically.
type tokenCache struct {
	mu      sync.RWMutex
	entries map[string]cachedToken
	ttl     time.Duration

	now func() time.Time
}

func newTokenCache(ttl time.Duration) *tokenCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &tokenCache{
		entries: make(map[string]cachedToken),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *tokenCache) get(tenantID string) (cachedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[tenantID]
	if !ok {
		return cachedToken{}, false
	}
	now := c.now()
	if now.Sub(entry.cachedAt) > c.ttl {
		return cachedToken{}, false
	}
	// The TTL must not outlive the credential: once the refresh deadline
	// passes, callers go back through the store and refresh path.
	if !entry.staleAt.IsZero() && !now.Before(entry.staleAt) {
		return cachedToken{}, false
	}
	return entry, true
}

func (c *tokenCache) set(tenantID, accessToken, tokenType string, staleAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tenantID] = cachedToken{
		accessToken: accessToken,
		tokenType:   tokenType,
		cachedAt:    c.now(),
		staleAt:     staleAt,
	}
}

func (c *tokenCache) evict(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}

// cleanup drops entries past the TTL and returns how many were removed.
func (c *tokenCache) cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for tenant, entry := range c.entries {
		stale := !entry.staleAt.IsZero() && !now.Before(entry.staleAt)
		if now.Sub(entry.cachedAt) > c.ttl || stale {
			delete(c.entries, tenant)
			removed++
		}
	}
	return removed
}

func (c *tokenCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
