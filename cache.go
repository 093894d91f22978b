package sturdy

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sturdy/common"
)

// cacheEntry values carry their own deadline; expiry is lazy. An expired
// entry is kept for the stale window so degraded-mode reads can still use
// it, then evicted on the next lookup that encounters it.
type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// LocalCacheConfig tunes a LocalCache. Zero values fall back to defaults.
type LocalCacheConfig struct {
	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration
	// StaleWindow is how long past expiry an entry remains available for
	// degraded-mode fallback reads.
	StaleWindow time.Duration
}

// LocalCache is the default in-process CacheStore: TTL entries with lazy
// expiry plus process-wide hit/miss accounting. Safe for concurrent use.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	hits   atomic.Uint64
	misses atomic.Uint64

	defaultTTL  time.Duration
	staleWindow time.Duration
}

var _ CacheStore = (*LocalCache)(nil)

// NewLocalCache creates an empty in-memory cache store.
func NewLocalCache(cfg LocalCacheConfig) *LocalCache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultCacheTTL
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = DefaultStaleWindow
	}
	return &LocalCache{
		entries:     make(map[string]cacheEntry),
		defaultTTL:  cfg.DefaultTTL,
		staleWindow: cfg.StaleWindow,
	}
}

// Get looks up key. A present, unexpired entry counts as a hit. An absent
// or expired entry counts as a miss; if the expired value is still inside
// the stale window it is returned with stale=true for fallback use.
func (c *LocalCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false, common.ErrNotFound
	}

	now := time.Now()
	if now.Before(entry.expiresAt) {
		c.hits.Add(1)
		return entry.value, false, nil
	}

	c.misses.Add(1)
	if now.Before(entry.expiresAt.Add(c.staleWindow)) {
		return entry.value, true, nil
	}

	// Past the stale window: evict. Re-check under the write lock in case a
	// concurrent Set replaced the entry.
	c.mu.Lock()
	if current, ok := c.entries[key]; ok && current.expiresAt.Equal(entry.expiresAt) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return nil, false, common.ErrNotFound
}

// Set stores value under key, overwriting any existing entry. A ttl <= 0
// uses the store's default.
func (c *LocalCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes key if present.
func (c *LocalCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// DeletePrefix removes every key with the given prefix.
func (c *LocalCache) DeletePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	return nil
}

// Clear empties the store and zeroes the hit/miss counters.
func (c *LocalCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
	c.hits.Store(0)
	c.misses.Store(0)
	return nil
}

// Stats returns a snapshot of the hit/miss counters.
func (c *LocalCache) Stats(ctx context.Context) CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Len reports the number of entries currently held, including expired ones
// not yet evicted.
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
