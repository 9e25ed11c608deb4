package connection

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HorizonQuantum buckets horizons so that nearby queries share a
// cached table instead of rebuilding one per distinct minute.
const HorizonQuantum = 15

type cacheKey struct {
	weekday time.Weekday
	bucket  int
}

type cacheEntry struct {
	once  sync.Once
	table *Table
	err   error
}

// Cache holds immutable connection tables keyed by (weekday,
// horizon bucket), coalescing concurrent builds for the same key so
// at most one builder runs per key while later requesters await the
// result. Invalidation is explicit, via Reset, when schedule data
// changes.
type Cache struct {
	provider Provider

	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

func NewCache(provider Provider) *Cache {
	return &Cache{
		provider: provider,
		entries:  map[cacheKey]*cacheEntry{},
	}
}

// Get returns the connection table for weekday and horizon, building
// it if this is the first request for that (weekday, bucket) pair.
// Concurrent callers for the same key block on the same build. A
// failed build is not cached: the entry is dropped so a later Get
// retries rather than replaying the same error forever.
func (c *Cache) Get(ctx context.Context, weekday time.Weekday, horizon int) (*Table, error) {
	bucket := horizon / HorizonQuantum
	key := cacheKey{weekday: weekday, bucket: bucket}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &cacheEntry{}
		c.entries[key] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		// Build against the bucket's upper horizon, so every
		// request sharing this key gets a table valid for its
		// own (smaller or equal) horizon.
		entry.table, entry.err = Build(ctx, c.provider, weekday, (bucket+1)*HorizonQuantum)

		if entry.err != nil {
			c.mu.Lock()
			if c.entries[key] == entry {
				delete(c.entries, key)
			}
			c.mu.Unlock()
		}
	})

	if entry.err != nil {
		return nil, fmt.Errorf("building connection table: %w", entry.err)
	}

	return entry.table, nil
}

// Reset discards all cached tables. Call after a schedule reload.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[cacheKey]*cacheEntry{}
}
