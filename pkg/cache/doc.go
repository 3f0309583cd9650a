// Package cache provides the in-process TTL cache of the storefront read path.
//
// Every entry moves through three states:
//
//   - fresh: now < FreshUntil. Served as is.
//   - stale: FreshUntil <= now < StaleUntil. Served, but callers should
//     revalidate (see package swr).
//   - absent: now >= StaleUntil. Never returned; physically removed lazily on
//     access or by the janitor.
//
// Get enforces these windows on every call, regardless of when the janitor
// last ran, so a stale value remains available for stale-while-revalidate
// after its TTL instead of disappearing with it.
//
// # Basic Usage
//
//	c := cache.New(cache.WithName("catalog"))
//	defer c.Close()
//
//	key := cache.Key{
//		Namespace: "products",
//		Segments:  []string{"1", "20"},
//		Filters:   map[string]string{"category": "shoes"},
//	}
//
//	// Fresh for one minute, then servable-but-stale for two more.
//	c.Set(key.String(), products, time.Minute, 2*time.Minute)
//
//	value, found, stale := c.Get(key.String())
//
// # Invalidation
//
//	c.Invalidate("banners:active")
//	removed := c.InvalidatePattern("products:*")
//
// Patterns are anchored: '*' matches any substring (separators included) and
// the whole key must match.
//
// # Keys
//
// Keys follow the colon-delimited convention namespace:segment:...:filtersHash.
// [Key] builds them deterministically; filters are folded into a 64-bit xxhash
// so equal filter sets always produce the same key.
//
// # Metrics
//
// Each cache reports, labelled by its name:
//
//   - storefront_cache_hits_total{cache, state}
//   - storefront_cache_misses_total{cache}
//   - storefront_cache_sets_total{cache}
//   - storefront_cache_evictions_total{cache, reason}
//   - storefront_cache_entries{cache}
package cache
