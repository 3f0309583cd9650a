package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/logging"
)

// DefaultSweepInterval is how often the janitor reclaims entries past their
// stale window.
const DefaultSweepInterval = 30 * time.Second

// DefaultName labels the metrics of an unnamed cache.
const DefaultName = "default"

// Option configures a Cache.
type Option func(*options)

type options struct {
	name          string
	sweepInterval time.Duration
	registerer    prometheus.Registerer
	logger        zerolog.Logger
	now           func() time.Time
}

func defaultOptions() options {
	return options{
		name:          DefaultName,
		sweepInterval: DefaultSweepInterval,
		logger:        logging.NewLogger("cache"),
		now:           time.Now,
	}
}

// WithName sets the cache name used as the "cache" metric label.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithSweepInterval sets how often expired entries are removed by the
// background janitor. Zero disables the janitor; Get still never returns an
// entry past its stale window.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithRegisterer sets the Prometheus registerer. Defaults to metrics.Registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
