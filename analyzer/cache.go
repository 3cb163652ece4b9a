package analyzer

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultCacheSize = 500
	DefaultThrottle  = 200 * time.Millisecond
)

type cacheKey struct {
	mode   Mode
	bucket int64
}

// Cache memoizes analysis results per (mode, playback position) with the
// position quantized to the throttle interval, so a result is recomputed at
// most once per interval of audio. Entries are evicted oldest first.
type Cache struct {
	mu       sync.Mutex
	max      int
	throttle time.Duration
	order    []cacheKey
	entries  map[cacheKey]Result

	hits, misses int
}

// NewCache creates a cache holding up to max entries. Zero values select
// the defaults.
func NewCache(max int, throttle time.Duration) *Cache {
	if max <= 0 {
		max = DefaultCacheSize
	}
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	return &Cache{
		max:      max,
		throttle: throttle,
		entries:  make(map[cacheKey]Result, max),
	}
}

func (c *Cache) key(mode Mode, position time.Duration) cacheKey {
	return cacheKey{mode: mode, bucket: int64(math.Floor(float64(position) / float64(c.throttle)))}
}

// Get returns the cached result for mode at position or computes and stores it.
func (c *Cache) Get(mode Mode, position time.Duration, compute func() Result) Result {
	k := c.key(mode, position)

	c.mu.Lock()
	if r, ok := c.entries[k]; ok {
		c.hits++
		c.mu.Unlock()
		return r
	}
	c.misses++
	c.mu.Unlock()

	r := compute()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[k]; !ok {
		if len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, k)
	}
	c.entries[k] = r
	return r
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.entries = make(map[cacheKey]Result, c.max)
}
