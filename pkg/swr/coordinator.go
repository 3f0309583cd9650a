// Package swr implements the stale-while-revalidate read path on top of the
// TTL cache and the resilient executor.
//
// A fresh hit is served from the cache. A stale hit is served immediately
// while a single background refresh per key reloads it. A miss loads
// synchronously, with concurrent misses for the same key collapsed into one
// upstream call by the executor.
//
//	coord := swr.New(c, exec, swr.WithMonitor(mon))
//	defer coord.Close(ctx)
//
//	res, err := coord.Lookup(ctx, "banners:active", loadBanners, 5*time.Minute, 10*time.Minute)
//	if err != nil {
//	    return err // nothing cached and the upstream failed
//	}
//	render(res.Value, res.Stale)
package swr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/metrics"
	"github.com/Sternrassler/storefront-cache/pkg/monitor"
	"github.com/Sternrassler/storefront-cache/pkg/resilience"
)

// ErrTypeMismatch is returned by Fetch when the cached value has another type.
var ErrTypeMismatch = errors.New("swr: cached value has unexpected type")

// Loader loads the value of one cache key from the upstream.
type Loader = resilience.Operation

// Result is the outcome of a Lookup.
type Result struct {
	Value any

	// Stale is set when the value is past its fresh window. A background
	// refresh has been scheduled.
	Stale bool

	// FromCache is false when the value was loaded synchronously.
	FromCache bool
}

// Status renders the result as "fresh", "stale" or "miss".
func (r Result) Status() string {
	switch {
	case !r.FromCache:
		return "miss"
	case r.Stale:
		return "stale"
	default:
		return "fresh"
	}
}

// Coordinator serves reads from a cache and keeps it populated through an
// executor.
type Coordinator struct {
	cache *cache.Cache
	exec  *resilience.Executor

	// mu guards refreshing, loads and closed. Invalidation and write-back
	// both take it, so no invalidation lands between an epoch check and the
	// cache write it guards.
	mu         sync.Mutex
	refreshing map[string]struct{}
	loads      map[string]*load
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	monitor  *monitor.Monitor
	execOpts resilience.Options
	opName   func(string) string
	logger   zerolog.Logger

	refreshes *prometheus.CounterVec
}

// load tracks the loads in progress for one key. epoch increases when the key
// is invalidated; a load started under an older epoch is not written back.
type load struct {
	epoch uint64
	n     int
}

// New creates a coordinator over c and exec.
func New(c *cache.Cache, exec *resilience.Executor, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	refreshes := metrics.CounterVec(o.registerer, prometheus.CounterOpts{
		Name: "storefront_swr_background_refreshes_total",
		Help: "Total number of background refreshes by outcome",
	}, "cache", "outcome") // "success", "failure", "discarded"

	return &Coordinator{
		cache:      c,
		exec:       exec,
		refreshing: make(map[string]struct{}),
		loads:      make(map[string]*load),
		ctx:        ctx,
		cancel:     cancel,
		monitor:    o.monitor,
		execOpts:   o.execOpts,
		opName:     o.opName,
		logger:     o.logger.With().Str("cache", c.Name()).Str("executor", exec.Name()).Logger(),
		refreshes:  refreshes.MustCurryWith(prometheus.Labels{"cache": c.Name()}),
	}
}

// Get returns the value for key, loading it on a miss. A stale value is
// returned as is; use Lookup to learn whether it was stale.
func (c *Coordinator) Get(ctx context.Context, key string, loader Loader, ttl, staleExtension time.Duration) (any, error) {
	res, err := c.Lookup(ctx, key, loader, ttl, staleExtension)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Lookup returns the value for key:
//
//   - fresh hit: the cached value, loader not called
//   - stale hit: the cached value with Stale set, refreshed in the background
//   - miss: loaded synchronously through the executor and cached
//
// Errors are only returned on a miss, when there is nothing to fall back to.
func (c *Coordinator) Lookup(ctx context.Context, key string, loader Loader, ttl, staleExtension time.Duration) (Result, error) {
	value, found, stale := c.cache.Get(key)
	if found {
		if stale {
			c.revalidate(key, loader, ttl, staleExtension)
		}
		return Result{Value: value, Stale: stale, FromCache: true}, nil
	}

	epoch := c.begin(key)
	defer c.end(key)

	value, err := c.exec.Execute(ctx, c.observe(key, loader), c.options(key))
	if err != nil {
		return Result{}, err
	}

	c.store(key, value, ttl, staleExtension, epoch)
	return Result{Value: value}, nil
}

// Refresh reloads key synchronously and stores the result. It never joins a
// load that was started before the call.
func (c *Coordinator) Refresh(ctx context.Context, key string, loader Loader, ttl, staleExtension time.Duration) (any, error) {
	epoch := c.begin(key)
	defer c.end(key)

	opts := c.options("")
	value, err := c.exec.Execute(ctx, c.observe(key, loader), opts)
	if err != nil {
		return nil, err
	}

	c.store(key, value, ttl, staleExtension, epoch)
	return value, nil
}

// Invalidate removes key from the cache. Loads of key already in progress are
// not written back, and the next read of key starts a new upstream call.
func (c *Coordinator) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.loads[key]; ok {
		l.epoch++
	}
	c.exec.Forget(key)
	return c.cache.Invalidate(key)
}

// InvalidatePattern removes every key matching pattern and returns the count.
// Loads of matching keys are treated as in Invalidate; other keys are untouched.
func (c *Coordinator) InvalidatePattern(pattern string) int {
	p, err := cache.CompilePattern(pattern)
	if err != nil {
		// The cache logs and rejects the pattern.
		return c.cache.InvalidatePattern(pattern)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, l := range c.loads {
		if p.Match(key) {
			l.epoch++
		}
	}
	c.exec.ForgetMatching(p.Match)
	return c.cache.InvalidatePattern(pattern)
}

// Cache returns the underlying cache.
func (c *Coordinator) Cache() *cache.Cache {
	return c.cache
}

// Pending returns the number of background refreshes in progress.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refreshing)
}

// Close cancels background refreshes and waits for them to return, or for
// ctx to end. Lookups keep working but no longer schedule refreshes.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("swr: waiting for background refreshes: %w", ctx.Err())
	}
}

// revalidate starts a background refresh of key unless one is running.
func (c *Coordinator) revalidate(key string, loader Loader, ttl, staleExtension time.Duration) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.refreshing[key]; ok {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = struct{}{}
	epoch := c.beginLocked(key)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.refresh(key, loader, ttl, staleExtension, epoch)
}

func (c *Coordinator) refresh(key string, loader Loader, ttl, staleExtension time.Duration, epoch uint64) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.refreshing, key)
		c.endLocked(key)
		c.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			c.refreshes.WithLabelValues("failure").Inc()
			c.logger.Error().
				Str("key", key).
				Interface("panic", r).
				Msg("Background refresh panicked")
		}
	}()

	value, err := c.exec.Execute(c.ctx, c.observe(key, loader), c.options(key))
	if err != nil {
		c.refreshes.WithLabelValues("failure").Inc()
		c.logger.Warn().
			Err(err).
			Str("key", key).
			Msg("Background refresh failed, serving stale value")
		return
	}

	if !c.store(key, value, ttl, staleExtension, epoch) {
		c.refreshes.WithLabelValues("discarded").Inc()
		return
	}
	c.refreshes.WithLabelValues("success").Inc()
	c.logger.Debug().Str("key", key).Msg("Background refresh completed")
}

// begin registers a load of key and returns the epoch it started under.
func (c *Coordinator) begin(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked(key)
}

func (c *Coordinator) beginLocked(key string) uint64 {
	l, ok := c.loads[key]
	if !ok {
		l = &load{}
		c.loads[key] = l
	}
	l.n++
	return l.epoch
}

func (c *Coordinator) end(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked(key)
}

func (c *Coordinator) endLocked(key string) {
	l, ok := c.loads[key]
	if !ok {
		return
	}
	if l.n--; l.n == 0 {
		delete(c.loads, key)
	}
}

// store caches value unless key was invalidated since epoch was read.
func (c *Coordinator) store(key string, value any, ttl, staleExtension time.Duration, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.loads[key]; ok && l.epoch != epoch {
		c.logger.Debug().Str("key", key).Msg("Discarding load started before invalidation")
		return false
	}
	c.cache.Set(key, value, ttl, staleExtension)
	return true
}

func (c *Coordinator) options(key string) resilience.Options {
	opts := c.execOpts
	opts.DedupKey = key
	return opts
}

// observe wraps loader with the monitor, if any.
func (c *Coordinator) observe(key string, loader Loader) Loader {
	if c.monitor == nil {
		return loader
	}
	name := c.opName(key)
	return func(ctx context.Context) (any, error) {
		end := c.monitor.StartOperation(name)
		value, err := loader(ctx)
		end(err == nil, map[string]any{"key": key})
		return value, err
	}
}

// Namespace returns the first colon-delimited segment of key.
func Namespace(key string) string {
	ns, _, _ := strings.Cut(key, cache.Separator)
	return ns
}

// Fetch is a typed wrapper around Lookup. It returns the value and whether it
// was stale.
func Fetch[T any](ctx context.Context, c *Coordinator, key string, loader func(ctx context.Context) (T, error), ttl, staleExtension time.Duration) (T, bool, error) {
	var zero T

	res, err := c.Lookup(ctx, key, func(ctx context.Context) (any, error) {
		v, err := loader(ctx)
		return v, err
	}, ttl, staleExtension)
	if err != nil {
		return zero, false, err
	}
	if res.Value == nil {
		return zero, res.Stale, nil
	}

	v, ok := res.Value.(T)
	if !ok {
		return zero, false, fmt.Errorf("%w: %T for key %q", ErrTypeMismatch, res.Value, key)
	}
	return v, res.Stale, nil
}
