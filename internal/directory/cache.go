package directory

import (
	"sync"
	"time"
)

// DefaultTTL bounds how long a directory snapshot is served before the
// plugin is consulted again.
const DefaultTTL = 30 * time.Minute

// cacheKey identifies one directory snapshot. The plugin signature is part
// of the key so a plugin upgrade naturally invalidates old snapshots.
type cacheKey struct {
	channel   string
	account   string
	kind      Kind
	sourceTag string
	signature string
}

type cacheSlot struct {
	entries []Entry
	fetched time.Time
}

// Cache is a TTL-bounded snapshot cache for channel directories. Lookups
// vastly outnumber refreshes, so reads take the shared lock.
type Cache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	slots map[cacheKey]cacheSlot
	now   func() time.Time
}

// NewCache creates a cache with the given TTL (DefaultTTL when zero).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, slots: make(map[cacheKey]cacheSlot), now: time.Now}
}

// Get returns the cached snapshot and whether it is still fresh.
func (c *Cache) Get(key cacheKey) ([]Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	slot, ok := c.slots[key]
	if !ok || c.now().Sub(slot.fetched) > c.ttl {
		return nil, false
	}
	return slot.entries, true
}

// Put stores a snapshot. Empty live results are not cached: the source
// caches live hits but not explicit negatives, so the next miss retries.
func (c *Cache) Put(key cacheKey, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[key] = cacheSlot{entries: entries, fetched: c.now()}
}

// Invalidate drops every snapshot for a channel (e.g. on plugin restart).
func (c *Cache) Invalidate(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.slots {
		if key.channel == channel {
			delete(c.slots, key)
		}
	}
}
