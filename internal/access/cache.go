package access

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"orbaccess.dev/internal/obs"
)

const (
	defaultCacheSize = 16384
	defaultCacheTTL  = 5 * time.Minute

	// cacheKeySep never occurs in identifiers, so prefix scans over
	// composite keys cannot collide.
	cacheKeySep = "\x1f"
)

type cachedResolution struct {
	resolved ResolvedPermissions
	cachedAt time.Time
}

// ResolutionCache memoizes resolver output keyed by
// (user, application, environment). It is TTL bounded and safe for
// concurrent use. Invalidation drops every environment of a
// (user, application) pair at once, because a membership mutation can
// change any of them.
type ResolutionCache struct {
	entries *lru.LRU[string, cachedResolution]
	now     func() time.Time
}

// NewResolutionCache creates a cache holding at most size entries, each
// expiring after ttl. Zero values select sensible defaults.
func NewResolutionCache(size int, ttl time.Duration) *ResolutionCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResolutionCache{
		entries: lru.NewLRU[string, cachedResolution](size, nil, ttl),
		now:     time.Now,
	}
}

func cacheKey(userID, applicationID string, env Environment) string {
	return userID + cacheKeySep + applicationID + cacheKeySep + string(env)
}

// Get returns the cached resolution for the key, if present and fresh.
func (c *ResolutionCache) Get(userID, applicationID string, env Environment) (ResolvedPermissions, bool) {
	entry, ok := c.entries.Get(cacheKey(userID, applicationID, env))
	if !ok {
		return ResolvedPermissions{}, false
	}
	return entry.resolved, true
}

// Set stores a freshly computed resolution.
func (c *ResolutionCache) Set(rp ResolvedPermissions) {
	c.entries.Add(cacheKey(rp.UserID, rp.ApplicationID, rp.Environment), cachedResolution{
		resolved: rp,
		cachedAt: c.now().UTC(),
	})
}

// Invalidate removes every cached entry for (userID, applicationID)
// across all environments.
func (c *ResolutionCache) Invalidate(userID, applicationID string) {
	prefix := userID + cacheKeySep + applicationID + cacheKeySep
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
	obs.RecordCacheInvalidation()
}

// Purge empties the cache.
func (c *ResolutionCache) Purge() {
	c.entries.Purge()
}

// Len returns the current number of cached entries.
func (c *ResolutionCache) Len() int {
	return c.entries.Len()
}
