package canonical

import (
	"strings"
	"sync"
	"time"
)

// defaultCacheTTL bounds how long a loaded mapping is served before the next
// load re-reads the source. Mapping files change between deployments, so a
// process-lifetime cache with no invalidation is not acceptable.
const defaultCacheTTL = 15 * time.Minute

type (
	// mappingCache is a TTL cache of parsed mappings keyed by (table, bucket).
	// Owned by a Mapper instance; each worker process has its own.
	mappingCache struct {
		mu      sync.RWMutex
		entries map[string]*cacheEntry
		ttl     time.Duration
		now     func() time.Time
	}

	cacheEntry struct {
		mapping  *Mapping
		loadedAt time.Time
	}
)

func newMappingCache(ttl time.Duration, now func() time.Time) *mappingCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	if now == nil {
		now = time.Now
	}

	return &mappingCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

// cacheKey builds the cache key for a (table, bucket) pair. The bucket part is
// empty for local-only loads.
func cacheKey(tableType, bucket string) string {
	return tableType + "\x00" + bucket
}

// get returns the cached mapping if present and not expired.
func (c *mappingCache) get(key string) (*Mapping, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if c.now().Sub(entry.loadedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()

		return nil, false
	}

	return entry.mapping, true
}

func (c *mappingCache) put(key string, mapping *Mapping) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry{mapping: mapping, loadedAt: c.now()}
	c.mu.Unlock()
}

// invalidate drops every cached entry for a table across all buckets.
func (c *mappingCache) invalidate(tableType string) {
	prefix := tableType + "\x00"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// size returns the number of live entries, expired or not.
func (c *mappingCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
