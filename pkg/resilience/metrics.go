package resilience

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sternrassler/storefront-cache/pkg/metrics"
)

// Attempt outcomes used as the "outcome" label.
const (
	outcomeSuccess   = "success"
	outcomeClient    = "client_error"
	outcomeTransient = "transient_error"
)

type executorMetrics struct {
	attempts       *prometheus.CounterVec
	retries        prometheus.Counter
	backoffSeconds prometheus.Observer
	exhausted      prometheus.Counter
	dedupJoins     prometheus.Counter
	rejected       prometheus.Counter
	breakerState   prometheus.Gauge
}

func newExecutorMetrics(reg prometheus.Registerer, name string) *executorMetrics {
	attempts := metrics.CounterVec(reg, prometheus.CounterOpts{
		Name: "storefront_executor_attempts_total",
		Help: "Total number of operation attempts by outcome",
	}, "executor", "outcome")

	retries := metrics.CounterVec(reg, prometheus.CounterOpts{
		Name: "storefront_executor_retries_total",
		Help: "Total number of retry attempts",
	}, "executor")

	backoff := metrics.HistogramVec(reg, prometheus.HistogramOpts{
		Name:    "storefront_executor_retry_backoff_seconds",
		Help:    "Backoff duration before each retry",
		Buckets: []float64{0.1, 0.3, 0.6, 1.2, 2.5, 5, 10, 30},
	}, "executor")

	exhausted := metrics.CounterVec(reg, prometheus.CounterOpts{
		Name: "storefront_executor_retry_exhausted_total",
		Help: "Total number of calls that exhausted their retry attempts",
	}, "executor")

	joins := metrics.CounterVec(reg, prometheus.CounterOpts{
		Name: "storefront_executor_dedup_joins_total",
		Help: "Total number of callers attached to an in-flight call",
	}, "executor")

	rejected := metrics.CounterVec(reg, prometheus.CounterOpts{
		Name: "storefront_executor_rejected_total",
		Help: "Total number of calls rejected by the circuit breaker",
	}, "executor")

	state := metrics.GaugeVec(reg, prometheus.GaugeOpts{
		Name: "storefront_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, "executor")

	m := &executorMetrics{
		attempts:       attempts.MustCurryWith(prometheus.Labels{"executor": name}),
		retries:        retries.WithLabelValues(name),
		backoffSeconds: backoff.WithLabelValues(name),
		exhausted:      exhausted.WithLabelValues(name),
		dedupJoins:     joins.WithLabelValues(name),
		rejected:       rejected.WithLabelValues(name),
		breakerState:   state.WithLabelValues(name),
	}
	m.breakerState.Set(float64(StateClosed))
	return m
}

func (m *executorMetrics) attempt(outcome string) {
	m.attempts.WithLabelValues(outcome).Inc()
}
