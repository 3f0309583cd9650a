package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sternrassler/storefront-cache/pkg/metrics"
)

// cacheMetrics are the Prometheus series of one named cache.
type cacheMetrics struct {
	freshHits   prometheus.Counter
	staleHits   prometheus.Counter
	misses      prometheus.Counter
	sets        prometheus.Counter
	expired     prometheus.Counter
	invalidated prometheus.Counter
	cleared     prometheus.Counter
	entries     prometheus.Gauge
}

func newCacheMetrics(reg prometheus.Registerer, name string) *cacheMetrics {
	hits := metrics.CounterVec(reg, prometheus.CounterOpts{
		Name: "storefront_cache_hits_total",
		Help: "Total number of cache hits by freshness",
	}, "cache", "state")

	misses := metrics.CounterVec(reg, prometheus.CounterOpts{
		Name: "storefront_cache_misses_total",
		Help: "Total number of cache misses",
	}, "cache")

	sets := metrics.CounterVec(reg, prometheus.CounterOpts{
		Name: "storefront_cache_sets_total",
		Help: "Total number of cache writes",
	}, "cache")

	evictions := metrics.CounterVec(reg, prometheus.CounterOpts{
		Name: "storefront_cache_evictions_total",
		Help: "Total number of removed cache entries by reason",
	}, "cache", "reason") // "expired", "invalidated", "cleared"

	entries := metrics.GaugeVec(reg, prometheus.GaugeOpts{
		Name: "storefront_cache_entries",
		Help: "Current number of cache entries",
	}, "cache")

	return &cacheMetrics{
		freshHits:   hits.WithLabelValues(name, StateFresh.String()),
		staleHits:   hits.WithLabelValues(name, StateStale.String()),
		misses:      misses.WithLabelValues(name),
		sets:        sets.WithLabelValues(name),
		expired:     evictions.WithLabelValues(name, "expired"),
		invalidated: evictions.WithLabelValues(name, "invalidated"),
		cleared:     evictions.WithLabelValues(name, "cleared"),
		entries:     entries.WithLabelValues(name),
	}
}
