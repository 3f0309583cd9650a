package swr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/monitor"
	"github.com/Sternrassler/storefront-cache/pkg/resilience"
)

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	monitor    *monitor.Monitor
	execOpts   resilience.Options
	registerer prometheus.Registerer
	logger     zerolog.Logger
	opName     func(key string) string
}

func defaultOptions() options {
	return options{
		logger: logging.NewLogger("swr"),
		opName: Namespace,
	}
}

// WithMonitor times every loader call with m.
func WithMonitor(m *monitor.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithExecuteOptions sets the retry and timeout options of every load.
// DedupKey is always set by the coordinator.
func WithExecuteOptions(opts resilience.Options) Option {
	return func(o *options) { o.execOpts = opts }
}

// WithRegisterer sets the Prometheus registerer. Defaults to metrics.Registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithOperationName sets how cache keys map to monitor operation names.
// Defaults to Namespace.
func WithOperationName(fn func(key string) string) Option {
	return func(o *options) {
		if fn != nil {
			o.opName = fn
		}
	}
}
