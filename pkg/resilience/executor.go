package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/logging"
)

// Operation is a cancellable unit of upstream work.
type Operation func(ctx context.Context) (any, error)

// Options tune a single Execute call. Zero fields fall back to the executor
// Config.
type Options struct {
	// MaxRetries is the total number of attempts (including the first).
	MaxRetries int

	// Timeout bounds each attempt.
	Timeout time.Duration

	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration

	// ExponentialBackoff doubles the delay after every attempt. Nil uses the
	// executor default.
	ExponentialBackoff *bool

	// DedupKey collapses concurrent calls with the same key into one upstream
	// call. Empty disables deduplication.
	DedupKey string
}

// Bool returns a pointer to b, for Options.ExponentialBackoff.
func Bool(b bool) *bool {
	return &b
}

// Config holds the configuration of an Executor.
type Config struct {
	// Name identifies the upstream resource in logs and metrics.
	Name string

	// MaxRetries is the default number of attempts per call.
	MaxRetries int

	// Timeout is the default per-attempt timeout.
	Timeout time.Duration

	// RetryDelay is the default base delay between attempts.
	RetryDelay time.Duration

	// ExponentialBackoff is the default backoff mode.
	ExponentialBackoff bool

	// MaxBackoff caps a single backoff sleep. Zero means uncapped.
	MaxBackoff time.Duration

	// Jitter spreads each backoff by ±Jitter (0.2 = ±20%). Zero disables it.
	Jitter float64

	// FailureThreshold is the number of consecutive exhausted calls that open
	// the breaker.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before a trial call.
	Cooldown time.Duration

	// DedupGrace is how long a settled call stays joinable.
	DedupGrace time.Duration

	// Classifier decides the kind of errors without an explicit kind.
	// Nil treats them as transient.
	Classifier Classifier

	// Registerer receives the executor metrics. Nil uses metrics.Registry.
	Registerer prometheus.Registerer

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	breaker := DefaultBreakerConfig()
	return Config{
		Name:               "default",
		MaxRetries:         3,
		Timeout:            10 * time.Second,
		RetryDelay:         300 * time.Millisecond,
		ExponentialBackoff: true,
		MaxBackoff:         30 * time.Second,
		FailureThreshold:   breaker.FailureThreshold,
		Cooldown:           breaker.Cooldown,
		DedupGrace:         100 * time.Millisecond,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative: %d", c.MaxRetries)
	case c.Timeout < 0:
		return fmt.Errorf("timeout must not be negative: %s", c.Timeout)
	case c.RetryDelay < 0:
		return fmt.Errorf("retry delay must not be negative: %s", c.RetryDelay)
	case c.MaxBackoff < 0:
		return fmt.Errorf("max backoff must not be negative: %s", c.MaxBackoff)
	case c.Jitter < 0 || c.Jitter >= 1:
		return fmt.Errorf("jitter must be in [0, 1): %v", c.Jitter)
	case c.FailureThreshold < 0:
		return fmt.Errorf("failure threshold must not be negative: %d", c.FailureThreshold)
	case c.Cooldown < 0:
		return fmt.Errorf("cooldown must not be negative: %s", c.Cooldown)
	case c.DedupGrace < 0:
		return fmt.Errorf("dedup grace must not be negative: %s", c.DedupGrace)
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown == 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Status is a health snapshot of an Executor.
type Status struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Healthy             bool      `json:"healthy"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	InFlight            int       `json:"in_flight"`
}

// Executor runs upstream operations with per-attempt timeouts, retry with
// backoff, a circuit breaker and in-flight deduplication. Use one Executor per
// upstream resource so failures in one do not trip the breaker of another.
type Executor struct {
	cfg      Config
	name     string
	breaker  *Breaker
	inflight *inflight
	running  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex // guards closed and wg.Add against Close
	closed bool

	logger  zerolog.Logger
	metrics *executorMetrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor. Zero Name, MaxRetries, Timeout, RetryDelay,
// FailureThreshold and Cooldown take their defaults; a zero MaxBackoff, Jitter
// or DedupGrace disables that feature.
func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	cfg = cfg.withDefaults()

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = logging.NewLogger("executor")
	}
	logger = logger.With().Str("executor", cfg.Name).Logger()

	ctx, cancel := context.WithCancel(context.Background())

	e := &Executor{
		cfg:      cfg,
		name:     cfg.Name,
		inflight: newInflight(),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		metrics:  newExecutorMetrics(cfg.Registerer, cfg.Name),
		now:      time.Now,
		sleep:    sleepContext,
	}
	e.breaker = NewBreaker(BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown,
	}, func() time.Time { return e.now() }, e.onStateChange)

	return e, nil
}

// Name returns the executor name.
func (e *Executor) Name() string {
	return e.name
}

// Execute runs op according to opts.
//
// The upstream call runs detached from ctx's cancellation so it can serve
// every caller joined through DedupKey; each caller (the initiator included)
// stops waiting as soon as its own ctx ends. Close cancels running calls.
func (e *Executor) Execute(ctx context.Context, op Operation, opts Options) (any, error) {
	if e.ctx.Err() != nil {
		return nil, &Error{Kind: KindUnavailable, Op: e.name, Err: ErrClosed}
	}
	opts = e.resolve(opts)

	if e.breaker.Rejecting() {
		return nil, e.reject()
	}

	// Joining an existing call never reaches the upstream, so it is allowed
	// even while a half-open trial is running.
	if opts.DedupKey != "" {
		if c := e.inflight.lookup(opts.DedupKey); c != nil {
			e.metrics.dedupJoins.Inc()
			e.logger.Debug().Str("dedup_key", opts.DedupKey).Msg("Joined in-flight call")
			return wait(ctx, c)
		}
	}

	trial, err := e.breaker.Admit()
	if err != nil {
		return nil, e.reject()
	}

	c := newCall(opts.DedupKey, e.now())
	if opts.DedupKey != "" {
		if existing, joined := e.inflight.register(opts.DedupKey, c); joined {
			e.breaker.Release(trial)
			e.metrics.dedupJoins.Inc()
			return wait(ctx, existing)
		}
	}

	if !e.track() {
		err := &Error{Kind: KindUnavailable, Op: e.name, Err: ErrClosed}
		e.breaker.Release(trial)
		if opts.DedupKey != "" {
			e.inflight.forget(c)
		}
		c.settle(nil, err)
		return nil, err
	}

	if trial {
		e.logger.Info().Msg("Circuit half-open, running trial call")
	}

	go e.run(ctx, c, op, opts, trial)

	return wait(ctx, c)
}

// Do is a typed wrapper around Execute.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T

	v, err := e.Execute(ctx, func(ctx context.Context) (any, error) {
		v, err := op(ctx)
		return v, err
	}, opts)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}

	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T, want %T", v, zero)
	}
	return t, nil
}

// Status returns the current health snapshot.
func (e *Executor) Status() Status {
	snap := e.breaker.Snapshot()
	return Status{
		Name:                e.name,
		State:               snap.State,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		Healthy:             snap.State == StateClosed,
		OpenedAt:            snap.OpenedAt,
		InFlight:            int(e.running.Load()),
	}
}

// Reset forces the breaker closed, zeroes its failure count and drops all
// dedup registrations. Calls in progress still complete for their waiters.
func (e *Executor) Reset() {
	e.breaker.Reset()
	e.inflight.clear()
	e.logger.Info().Msg("Executor reset")
}

// Forget drops the dedup registration of key, so the next call with that key
// starts a new upstream call. A call in progress still settles its waiters.
func (e *Executor) Forget(key string) {
	e.inflight.forgetKey(key)
}

// ForgetMatching drops every dedup registration whose key satisfies match and
// returns how many were dropped.
func (e *Executor) ForgetMatching(match func(key string) bool) int {
	return e.inflight.forgetMatching(match)
}

// Close cancels every running call and waits for them to return.
// Subsequent Execute calls fail with ErrClosed.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}

// track registers a call with the WaitGroup unless Close has started.
func (e *Executor) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	e.running.Add(1)
	return true
}

// run performs the upstream call on a context that keeps ctx's values but not
// its cancellation, and is cancelled by Close instead.
func (e *Executor) run(ctx context.Context, c *call, op Operation, opts Options, trial bool) {
	defer e.wg.Done()
	defer e.running.Add(-1)

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()
	defer cancel()

	val, err := e.retryWithBackoff(callCtx, op, opts, trial)

	// Release before settling: with no grace window a caller that retries as
	// soon as it wakes must start a new call.
	if opts.DedupKey != "" {
		e.inflight.release(c, e.cfg.DedupGrace)
	}
	c.settle(val, err)
}

func (e *Executor) resolve(opts Options) Options {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = e.cfg.MaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = e.cfg.Timeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = e.cfg.RetryDelay
	}
	if opts.ExponentialBackoff == nil {
		opts.ExponentialBackoff = Bool(e.cfg.ExponentialBackoff)
	}
	return opts
}

func (e *Executor) reject() error {
	e.metrics.rejected.Inc()
	e.logger.Debug().Msg("Call rejected by open circuit")
	return &Error{Kind: KindUnavailable, Op: e.name, Err: ErrUpstreamUnavailable}
}

func (e *Executor) onStateChange(from, to State) {
	e.metrics.breakerState.Set(float64(to))

	event := e.logger.Info()
	if to == StateOpen {
		event = e.logger.Error()
	}
	event.
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")
}

// wait blocks until c settles or ctx ends.
func wait(ctx context.Context, c *call) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsClosed reports whether err was caused by a closed executor.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
