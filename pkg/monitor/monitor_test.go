package monitor

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tu "github.com/Sternrassler/storefront-cache/internal/testutil"
)

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *tu.Clock, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	cfg.Logger = &logger
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}

	m := New(cfg)
	clock := tu.NewClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	m.now = clock.Now
	return m, clock, &buf
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 100*time.Millisecond, cfg.SlowThreshold)
	assert.Equal(t, 1000, cfg.Retention)
}

func TestMonitor_RecordsAggregates(t *testing.T) {
	m, clock, _ := newTestMonitor(t, DefaultConfig())

	for _, d := range []time.Duration{20 * time.Millisecond, 40 * time.Millisecond} {
		end := m.StartOperation("products.list")
		clock.Advance(d)
		end(true, nil)
	}
	end := m.StartOperation("banners.active")
	clock.Advance(10 * time.Millisecond)
	end(false, nil)

	stats := m.Stats()
	require.Len(t, stats.Operations, 2)
	assert.Equal(t, []string{"banners.active", "products.list"}, stats.Names())

	products := stats.Operations["products.list"]
	assert.Equal(t, 2, products.Count)
	assert.Equal(t, 60*time.Millisecond, products.TotalTime)
	assert.Equal(t, 30*time.Millisecond, products.Average())
	assert.Equal(t, 40*time.Millisecond, products.MaxTime)
	assert.Zero(t, products.SlowCount)
	assert.Zero(t, products.Failures)

	assert.Equal(t, 3, stats.Global.Count)
	assert.Equal(t, 70*time.Millisecond, stats.Global.TotalTime)
	assert.Equal(t, 1, stats.Global.Failures)
}

func TestMonitor_FlagsSlowQueries(t *testing.T) {
	m, clock, logs := newTestMonitor(t, DefaultConfig())

	end := m.StartOperation("dashboard.stats")
	clock.Advance(150 * time.Millisecond)
	end(true, map[string]any{"source": "redis"})

	end = m.StartOperation("dashboard.stats")
	clock.Advance(100 * time.Millisecond) // at the threshold, not above it
	end(true, nil)

	slow := m.SlowQueries()
	require.Len(t, slow, 1)
	assert.Equal(t, "dashboard.stats", slow[0].Name)
	assert.Equal(t, 150*time.Millisecond, slow[0].Duration)
	assert.Equal(t, "redis", slow[0].Meta["source"])

	assert.Equal(t, 1, m.Stats().Operations["dashboard.stats"].SlowCount)
	assert.Contains(t, logs.String(), `"message":"Slow query"`)
	assert.Contains(t, logs.String(), `"source":"redis"`)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.slow.WithLabelValues("dashboard.stats")))
}

func TestMonitor_EndIsIdempotent(t *testing.T) {
	m, _, _ := newTestMonitor(t, DefaultConfig())

	end := m.StartOperation("products.list")
	end(true, nil)
	end(false, nil)

	assert.Equal(t, 1, m.Stats().Global.Count)
	assert.Zero(t, m.Stats().Global.Failures)
}

func TestMonitor_Retention(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = 3
	m, clock, _ := newTestMonitor(t, cfg)

	for i := 1; i <= 5; i++ {
		end := m.StartOperation("op")
		clock.Advance(time.Duration(i) * time.Millisecond)
		end(true, nil)
	}

	records := m.Records()
	require.Len(t, records, 3)
	assert.Equal(t, 3*time.Millisecond, records[0].Duration)
	assert.Equal(t, 5*time.Millisecond, records[2].Duration)

	// Aggregates are not bounded by retention.
	assert.Equal(t, 5, m.Stats().Global.Count)
}

func TestMonitor_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m, clock, _ := newTestMonitor(t, cfg)

	end := m.StartOperation("products.list")
	clock.Advance(time.Second)
	end(true, nil)

	assert.Zero(t, m.Stats().Global.Count)
	assert.Empty(t, m.Records())

	m.SetEnabled(true)
	m.StartOperation("products.list")(true, nil)
	assert.Equal(t, 1, m.Stats().Global.Count)
}

func TestMonitor_Nil(t *testing.T) {
	var m *Monitor

	assert.False(t, m.Enabled())
	m.StartOperation("products.list")(true, nil)
	m.SetEnabled(true)
	m.Reset()

	assert.Empty(t, m.Stats().Operations)
	assert.Nil(t, m.Records())
	assert.Nil(t, m.SlowQueries())
}

func TestMonitor_Observe(t *testing.T) {
	m, _, _ := newTestMonitor(t, DefaultConfig())
	errBoom := errors.New("boom")

	err := m.Observe("banners.active", func() error { return errBoom })
	require.ErrorIs(t, err, errBoom)

	require.NoError(t, m.Observe("banners.active", func() error { return nil }))

	agg := m.Stats().Operations["banners.active"]
	assert.Equal(t, 2, agg.Count)
	assert.Equal(t, 1, agg.Failures)
}

func TestMonitor_Reset(t *testing.T) {
	m, clock, _ := newTestMonitor(t, DefaultConfig())

	end := m.StartOperation("op")
	clock.Advance(time.Second)
	end(true, nil)
	m.Reset()

	assert.Zero(t, m.Stats().Global.Count)
	assert.Empty(t, m.Records())
	assert.Empty(t, m.SlowQueries())
}

func TestMonitor_Concurrent(t *testing.T) {
	m := New(Config{Enabled: true, Registerer: prometheus.NewRegistry(), Retention: 10})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.StartOperation("op")(j%2 == 0, nil)
			}
		}()
	}
	wg.Wait()

	stats := m.Stats()
	assert.Equal(t, 1000, stats.Global.Count)
	assert.Equal(t, 500, stats.Global.Failures)
	assert.Len(t, m.Records(), 10)
}

func TestAggregate_AverageEmpty(t *testing.T) {
	assert.Zero(t, Aggregate{}.Average())
}
