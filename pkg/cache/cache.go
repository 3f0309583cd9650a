package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Sets      uint64 `json:"sets"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is an in-process key/value store where every entry has a fresh window
// followed by an optional stale window. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry

	hits      uint64
	misses    uint64
	sets      uint64
	evictions uint64

	name    string
	now     func() time.Time
	logger  zerolog.Logger
	metrics *cacheMetrics

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a cache and starts its janitor.
//
// Example:
//
//	c := cache.New(
//	    cache.WithName("catalog"),
//	    cache.WithSweepInterval(15 * time.Second),
//	)
//	defer c.Close()
func New(opts ...Option) *Cache {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache{
		entries: make(map[string]*Entry),
		name:    o.name,
		now:     o.now,
		logger:  o.logger.With().Str("cache", o.name).Logger(),
		metrics: newCacheMetrics(o.registerer, o.name),
		done:    make(chan struct{}),
	}

	if o.sweepInterval > 0 {
		c.wg.Add(1)
		go c.janitor(o.sweepInterval)
	}

	return c
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// Get returns the value stored under key. found is false when the key is
// absent or past its stale window; stale is true when the value is past its
// fresh window but still servable.
func (c *Cache) Get(key string) (value any, found bool, stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.recordMiss(key)
		return nil, false, false
	}

	switch e.StateAt(c.now()) {
	case StateFresh:
		c.hits++
		c.metrics.freshHits.Inc()
		c.logger.Trace().Str("key", key).Msg("Cache hit (fresh)")
		return e.Value, true, false
	case StateStale:
		c.hits++
		c.metrics.staleHits.Inc()
		c.logger.Trace().Str("key", key).Msg("Cache hit (stale)")
		return e.Value, true, true
	default:
		c.remove(key)
		c.metrics.expired.Inc()
		c.recordMiss(key)
		return nil, false, false
	}
}

// Peek returns a copy of the entry stored under key without touching the
// hit/miss counters. Entries past their stale window are reported as absent.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.StateAt(c.now()) == StateAbsent {
		return Entry{}, false
	}
	return *e, true
}

// Set stores value under key, replacing any existing entry. The value is fresh
// for ttl and then stale for staleExtension. Negative durations count as zero;
// a zero staleExtension disables stale serving for this entry.
func (c *Cache) Set(key string, value any, ttl, staleExtension time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	if staleExtension < 0 {
		staleExtension = 0
	}

	now := c.now()
	e := &Entry{
		Key:        key,
		Value:      value,
		FreshUntil: now.Add(ttl),
		CreatedAt:  now,
	}
	e.StaleUntil = e.FreshUntil.Add(staleExtension)

	c.mu.Lock()
	c.entries[key] = e
	c.sets++
	size := len(c.entries)
	c.mu.Unlock()

	c.metrics.sets.Inc()
	c.metrics.entries.Set(float64(size))

	c.logger.Debug().
		Str("key", key).
		Dur("ttl", ttl).
		Dur("stale_extension", staleExtension).
		Msg("Cached value")
}

// Invalidate removes key regardless of its state. It reports whether an entry
// was removed.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.remove(key)
	c.metrics.invalidated.Inc()
	c.logger.Debug().Str("key", key).Msg("Invalidated key")
	return true
}

// InvalidatePattern removes every key matching the anchored glob pattern
// ('*' matches any substring) and returns how many were removed.
func (c *Cache) InvalidatePattern(pattern string) int {
	p, err := CompilePattern(pattern)
	if err != nil {
		c.logger.Warn().Err(err).Str("pattern", pattern).Msg("Invalid invalidation pattern")
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if p.Match(key) {
			c.remove(key)
			removed++
		}
	}
	c.metrics.invalidated.Add(float64(removed))

	c.logger.Debug().
		Str("pattern", pattern).
		Int("removed", removed).
		Msg("Invalidated pattern")

	return removed
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*Entry)
	c.evictions += uint64(n)
	c.metrics.cleared.Add(float64(n))
	c.metrics.entries.Set(0)
}

// Len returns the number of stored entries, including stale ones and expired
// ones the janitor has not reclaimed yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the keys of all servable entries in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	now := c.now()
	keys := make([]string, 0, len(c.entries))
	for key, e := range c.entries {
		if e.StateAt(now) != StateAbsent {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// Sweep removes every entry past its stale window and returns how many were
// removed. The janitor calls it periodically.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if e.StateAt(now) == StateAbsent {
			c.remove(key)
			removed++
		}
	}
	c.metrics.expired.Add(float64(removed))
	return removed
}

// Close stops the janitor. Close is idempotent; the cache stays usable.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
	return nil
}

func (c *Cache) janitor(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug().Int("removed", n).Msg("Swept expired entries")
			}
		}
	}
}

// remove deletes key and updates eviction bookkeeping.
// Caller must hold the mutex.
func (c *Cache) remove(key string) {
	delete(c.entries, key)
	c.evictions++
	c.metrics.entries.Set(float64(len(c.entries)))
}

// recordMiss counts a miss.
// Caller must hold the mutex.
func (c *Cache) recordMiss(key string) {
	c.misses++
	c.metrics.misses.Inc()
	c.logger.Trace().Str("key", key).Msg("Cache miss")
}
