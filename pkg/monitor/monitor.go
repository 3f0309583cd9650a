// Package monitor records the duration of upstream queries and flags the slow
// ones. It is pure observation: disabling it never changes cache or executor
// behavior.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/metrics"
)

// Config holds the monitor configuration.
type Config struct {
	// Enabled turns recording on. A disabled monitor hands out no-op EndFuncs.
	Enabled bool

	// SlowThreshold flags operations that take longer than this.
	SlowThreshold time.Duration

	// Retention is the number of recent records kept in memory.
	Retention int

	// Registerer receives the duration histogram. Nil uses metrics.Registry.
	Registerer prometheus.Registerer

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		SlowThreshold: 100 * time.Millisecond,
		Retention:     1000,
	}
}

// Record is one observed operation.
type Record struct {
	Name      string         `json:"name"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Slow      bool           `json:"slow"`
	Success   bool           `json:"success"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Aggregate summarizes all records of one operation name (or of all names).
type Aggregate struct {
	Count     int           `json:"count"`
	TotalTime time.Duration `json:"total_time"`
	SlowCount int           `json:"slow_count"`
	Failures  int           `json:"failures"`
	MaxTime   time.Duration `json:"max_time"`
}

// Average returns the mean duration, or 0 before the first record.
func (a Aggregate) Average() time.Duration {
	if a.Count == 0 {
		return 0
	}
	return a.TotalTime / time.Duration(a.Count)
}

func (a *Aggregate) add(r Record) {
	a.Count++
	a.TotalTime += r.Duration
	if r.Slow {
		a.SlowCount++
	}
	if !r.Success {
		a.Failures++
	}
	if r.Duration > a.MaxTime {
		a.MaxTime = r.Duration
	}
}

// Stats is a snapshot of the monitor aggregates.
type Stats struct {
	Global     Aggregate            `json:"global"`
	Operations map[string]Aggregate `json:"operations"`
}

// Names returns the operation names in sorted order.
func (s Stats) Names() []string {
	names := make([]string, 0, len(s.Operations))
	for name := range s.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EndFunc completes an operation started with StartOperation.
type EndFunc func(success bool, meta map[string]any)

func noopEnd(bool, map[string]any) {}

// Monitor aggregates operation timings. A nil *Monitor is valid and records
// nothing.
type Monitor struct {
	mu      sync.Mutex
	enabled bool
	global  Aggregate
	ops     map[string]*Aggregate
	records []Record // ring buffer
	next    int
	full    bool

	threshold time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	duration  *prometheus.HistogramVec
	slow      *prometheus.CounterVec
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	d := DefaultConfig()
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = d.SlowThreshold
	}
	if cfg.Retention <= 0 {
		cfg.Retention = d.Retention
	}

	logger := logging.NewLogger("monitor")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Monitor{
		enabled:   cfg.Enabled,
		ops:       make(map[string]*Aggregate),
		records:   make([]Record, cfg.Retention),
		threshold: cfg.SlowThreshold,
		now:       time.Now,
		logger:    logger,
		duration: metrics.HistogramVec(cfg.Registerer, prometheus.HistogramOpts{
			Name:    "storefront_query_duration_seconds",
			Help:    "Duration of upstream queries",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, "operation"),
		slow: metrics.CounterVec(cfg.Registerer, prometheus.CounterOpts{
			Name: "storefront_slow_queries_total",
			Help: "Total number of queries above the slow threshold",
		}, "operation"),
	}
}

// Enabled reports whether the monitor records operations.
func (m *Monitor) Enabled() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetEnabled turns recording on or off. Operations started while enabled are
// still recorded when they end.
func (m *Monitor) SetEnabled(enabled bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

// StartOperation starts timing name and returns the function that ends it.
//
// Example:
//
//	end := mon.StartOperation("products.list")
//	products, err := load(ctx)
//	end(err == nil, map[string]any{"page": page})
func (m *Monitor) StartOperation(name string) EndFunc {
	if !m.Enabled() {
		return noopEnd
	}

	start := m.now()
	var once sync.Once
	return func(success bool, meta map[string]any) {
		once.Do(func() {
			m.record(Record{
				Name:      name,
				Duration:  m.now().Sub(start),
				Timestamp: start,
				Success:   success,
				Meta:      meta,
			})
		})
	}
}

// Observe times fn under name. fn's error decides success.
func (m *Monitor) Observe(name string, fn func() error) error {
	end := m.StartOperation(name)
	err := fn()
	end(err == nil, nil)
	return err
}

func (m *Monitor) record(r Record) {
	r.Slow = r.Duration > m.threshold

	m.mu.Lock()
	m.global.add(r)
	agg, ok := m.ops[r.Name]
	if !ok {
		agg = &Aggregate{}
		m.ops[r.Name] = agg
	}
	agg.add(r)

	m.records[m.next] = r
	m.next = (m.next + 1) % len(m.records)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()

	m.duration.WithLabelValues(r.Name).Observe(r.Duration.Seconds())

	if r.Slow {
		m.slow.WithLabelValues(r.Name).Inc()
		m.logger.Warn().
			Str("operation", r.Name).
			Dur("duration", r.Duration).
			Dur("threshold", m.threshold).
			Bool("success", r.Success).
			Fields(r.Meta).
			Msg("Slow query")
	}
}

// Stats returns the global and per-operation aggregates.
func (m *Monitor) Stats() Stats {
	stats := Stats{Operations: map[string]Aggregate{}}
	if m == nil {
		return stats
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats.Global = m.global
	for name, agg := range m.ops {
		stats.Operations[name] = *agg
	}
	return stats
}

// Records returns the retained records, oldest first.
func (m *Monitor) Records() []Record {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	if m.full {
		out = append(out, m.records[m.next:]...)
	}
	return append(out, m.records[:m.next]...)
}

// SlowQueries returns the retained slow records, oldest first.
func (m *Monitor) SlowQueries() []Record {
	var slow []Record
	for _, r := range m.Records() {
		if r.Slow {
			slow = append(slow, r)
		}
	}
	return slow
}

// Reset clears all records and aggregates.
func (m *Monitor) Reset() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.global = Aggregate{}
	m.ops = make(map[string]*Aggregate)
	m.records = make([]Record, len(m.records))
	m.next = 0
	m.full = false
}
