// Package metrics provides the Prometheus registry helpers shared by the
// storefront cache packages. Metric vectors are defined in their respective
// packages (cache, resilience, monitor) and registered through the helpers
// below, so several injected instances can share one registry without
// tripping duplicate registration.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registerer used when a component is
// constructed without an explicit one.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the default gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Or returns reg, or Registry when reg is nil.
func Or(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return Registry
	}
	return reg
}

// Register registers c with reg. If an identical collector is already
// registered, the existing one is returned instead, which lets every cache or
// executor instance reuse the same vectors and separate itself by label.
func Register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := Or(reg).Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// CounterVec registers (or reuses) a counter vector.
func CounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	return Register(reg, prometheus.NewCounterVec(opts, labels))
}

// GaugeVec registers (or reuses) a gauge vector.
func GaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels ...string) *prometheus.GaugeVec {
	return Register(reg, prometheus.NewGaugeVec(opts, labels))
}

// HistogramVec registers (or reuses) a histogram vector.
func HistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labels ...string) *prometheus.HistogramVec {
	return Register(reg, prometheus.NewHistogramVec(opts, labels))
}

// Handler returns the /metrics handler for g, or for Gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = Gatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - storefront_cache_hits_total{cache, state} (Counter): hits by freshness ("fresh", "stale")
//   - storefront_cache_misses_total{cache} (Counter): lookups that found nothing servable
//   - storefront_cache_sets_total{cache} (Counter): Set calls
//   - storefront_cache_evictions_total{cache, reason} (Counter): "expired", "invalidated", "cleared"
//   - storefront_cache_entries{cache} (Gauge): entries currently held
//
// Executor Metrics (pkg/resilience):
//   - storefront_executor_attempts_total{executor, outcome} (Counter): "success", "client_error", "transient_error"
//   - storefront_executor_retries_total{executor} (Counter): retry attempts
//   - storefront_executor_retry_backoff_seconds{executor} (Histogram): sleep before each retry
//   - storefront_executor_retry_exhausted_total{executor} (Counter): calls that used every attempt
//   - storefront_executor_dedup_joins_total{executor} (Counter): callers attached to an in-flight call
//   - storefront_executor_rejected_total{executor} (Counter): calls refused by the breaker
//   - storefront_breaker_state{executor} (Gauge): 0 closed, 1 half-open, 2 open
//
// SWR Metrics (pkg/swr):
//   - storefront_swr_background_refreshes_total{cache, outcome} (Counter): "success", "failure", "discarded"
//
// Monitor Metrics (pkg/monitor):
//   - storefront_query_duration_seconds{operation} (Histogram): loader duration
//   - storefront_slow_queries_total{operation} (Counter): loader calls above the slow threshold
//
// HTTP Metrics (cmd/storefront-cache):
//   - storefront_http_requests_total{route, status} (Counter): served requests
//   - storefront_http_request_duration_seconds{route} (Histogram): handler latency
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate
//	sum(rate(storefront_cache_hits_total[5m])) /
//	(sum(rate(storefront_cache_hits_total[5m])) + sum(rate(storefront_cache_misses_total[5m])))
//
//	# Share of hits served stale
//	sum(rate(storefront_cache_hits_total{state="stale"}[5m])) / sum(rate(storefront_cache_hits_total[5m]))
//
//	# Open breakers
//	storefront_breaker_state == 2
//
//	# P95 loader latency
//	histogram_quantile(0.95, rate(storefront_query_duration_seconds_bucket[5m]))
