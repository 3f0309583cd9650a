package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/internal/testutil"
)

var errUpstream = errors.New("connection reset")

// newTestExecutor returns an executor on a fake clock whose backoff sleeps are
// recorded instead of slept.
func newTestExecutor(t *testing.T, cfg Config) (*Executor, *testutil.Clock, *sleepRecorder) {
	t.Helper()

	nop := zerolog.Nop()
	cfg.Logger = &nop
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })

	clock := testutil.NewClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	rec := &sleepRecorder{}
	e.now = clock.Now
	e.sleep = rec.sleep

	return e, clock, rec
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative retries", Config{MaxRetries: -1}},
		{"negative timeout", Config{Timeout: -time.Second}},
		{"jitter out of range", Config{Jitter: 1.5}},
		{"negative grace", Config{DedupGrace: -time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Registerer = prometheus.NewRegistry()
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() error = nil, want validation error")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryDelay != 300*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 300ms", cfg.RetryDelay)
	}
	if cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.FailureThreshold)
	}
	if cfg.DedupGrace != 100*time.Millisecond {
		t.Errorf("DedupGrace = %v, want 100ms", cfg.DedupGrace)
	}
}

func TestExecute_Success(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products"})
	up := testutil.NewMockUpstream(testutil.NewValueResponse("ok"))

	got, err := e.Execute(context.Background(), up.Load, Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("Execute() = %v, want ok", got)
	}
	if up.Calls() != 1 {
		t.Errorf("calls = %d, want 1", up.Calls())
	}
}

func TestExecute_Dedup(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products", DedupGrace: time.Minute})

	var counter atomic.Int32
	release := make(chan struct{})
	op := func(ctx context.Context) (any, error) {
		counter.Add(1)
		<-release
		return "page-1", nil
	}

	const callers = 50
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Execute(context.Background(), op, Options{DedupKey: "products:1:20"})
		}(i)
	}

	waitFor(t, func() bool {
		return promtest.ToFloat64(e.metrics.dedupJoins) == callers-1
	})
	close(release)
	wg.Wait()

	if got := counter.Load(); got != 1 {
		t.Errorf("operation invoked %d times, want 1", got)
	}
	for i := range results {
		if errs[i] != nil || results[i] != "page-1" {
			t.Errorf("caller %d got (%v, %v), want (page-1, nil)", i, results[i], errs[i])
		}
	}
}

func TestExecute_DedupErrorShared(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "banners", DedupGrace: time.Minute, MaxRetries: 1})
	up := testutil.NewMockUpstream(testutil.NewErrorResponse(ClientError(errUpstream)))
	release := up.Block()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Execute(context.Background(), up.Load, Options{DedupKey: "banners:active"})
		}(i)
	}

	waitFor(t, func() bool { return promtest.ToFloat64(e.metrics.dedupJoins) == 9 })
	release()
	wg.Wait()

	if up.Calls() != 1 {
		t.Errorf("calls = %d, want 1", up.Calls())
	}
	for i, err := range errs {
		if !errors.Is(err, errUpstream) {
			t.Errorf("caller %d error = %v, want %v", i, err, errUpstream)
		}
	}
}

func TestExecute_DedupGraceWindow(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "dashboard", DedupGrace: 20 * time.Millisecond})
	up := testutil.NewMockUpstream(testutil.NewValueResponse(42))
	opts := Options{DedupKey: "dashboard:stats"}

	if _, err := e.Execute(context.Background(), up.Load, opts); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// Within the grace window the settled result is reused.
	got, err := e.Execute(context.Background(), up.Load, opts)
	if err != nil || got != 42 {
		t.Fatalf("Execute() = (%v, %v), want (42, nil)", got, err)
	}
	if up.Calls() != 1 {
		t.Errorf("calls within grace = %d, want 1", up.Calls())
	}

	waitFor(t, func() bool { return e.inflight.len() == 0 })

	if _, err := e.Execute(context.Background(), up.Load, opts); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if up.Calls() != 2 {
		t.Errorf("calls after grace = %d, want 2", up.Calls())
	}
}

func TestExecute_WithoutDedupKeyRunsEveryCall(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products"})
	up := testutil.NewMockUpstream(testutil.NewValueResponse("ok"))

	for i := 0; i < 3; i++ {
		if _, err := e.Execute(context.Background(), up.Load, Options{}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	if up.Calls() != 3 {
		t.Errorf("calls = %d, want 3", up.Calls())
	}
	if e.inflight.len() != 0 {
		t.Errorf("registrations = %d, want 0", e.inflight.len())
	}
}

func TestExecute_BreakerOpens(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{
		Name:             "products",
		MaxRetries:       1,
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	})
	up := testutil.NewMockUpstream(testutil.NewErrorResponse(TransientError(errUpstream)))

	for i := 0; i < 5; i++ {
		_, err := e.Execute(context.Background(), up.Load, Options{})
		if KindOf(err) != KindTransient {
			t.Fatalf("call %d error kind = %v, want transient", i+1, KindOf(err))
		}
	}

	status := e.Status()
	if status.State != StateOpen {
		t.Fatalf("state = %v, want OPEN", status.State)
	}
	if status.Healthy {
		t.Error("open breaker should not be healthy")
	}

	_, err := e.Execute(context.Background(), up.Load, Options{})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("6th call error = %v, want ErrUpstreamUnavailable", err)
	}
	if !IsUnavailable(err) {
		t.Errorf("6th call kind = %v, want unavailable", KindOf(err))
	}
	if up.Calls() != 5 {
		t.Errorf("operation invoked %d times, want 5", up.Calls())
	}
	if got := promtest.ToFloat64(e.metrics.rejected); got != 1 {
		t.Errorf("rejected metric = %v, want 1", got)
	}
	if got := promtest.ToFloat64(e.metrics.breakerState); got != float64(StateOpen) {
		t.Errorf("breaker state metric = %v, want %v", got, float64(StateOpen))
	}
}

func openBreaker(t *testing.T, e *Executor) {
	t.Helper()
	fail := func(ctx context.Context) (any, error) { return nil, errUpstream }
	for e.Status().State != StateOpen {
		if _, err := e.Execute(context.Background(), fail, Options{MaxRetries: 1}); err == nil {
			t.Fatal("expected failure")
		}
	}
}

func TestExecute_BreakerRecovers(t *testing.T) {
	e, clock, _ := newTestExecutor(t, Config{Name: "products", FailureThreshold: 5, Cooldown: time.Minute})
	openBreaker(t, e)

	clock.Advance(time.Minute)

	up := testutil.NewMockUpstream(testutil.NewValueResponse("ok"))
	got, err := e.Execute(context.Background(), up.Load, Options{})
	if err != nil || got != "ok" {
		t.Fatalf("trial call = (%v, %v), want (ok, nil)", got, err)
	}

	status := e.Status()
	if status.State != StateClosed {
		t.Errorf("state = %v, want CLOSED", status.State)
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0", status.ConsecutiveFailures)
	}
	if !status.Healthy {
		t.Error("closed breaker should be healthy")
	}
}

func TestExecute_TrialFailureReopens(t *testing.T) {
	e, clock, _ := newTestExecutor(t, Config{Name: "products", FailureThreshold: 5, Cooldown: time.Minute})
	openBreaker(t, e)
	firstOpened := e.Status().OpenedAt

	clock.Advance(time.Minute)

	up := testutil.NewMockUpstream(testutil.NewErrorResponse(errUpstream))
	if _, err := e.Execute(context.Background(), up.Load, Options{MaxRetries: 1}); !errors.Is(err, errUpstream) {
		t.Fatalf("trial error = %v, want %v", err, errUpstream)
	}

	status := e.Status()
	if status.State != StateOpen {
		t.Fatalf("state = %v, want OPEN", status.State)
	}
	if !status.OpenedAt.After(firstOpened) {
		t.Errorf("openedAt = %v, want later than %v", status.OpenedAt, firstOpened)
	}

	if _, err := e.Execute(context.Background(), up.Load, Options{}); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("call after reopen error = %v, want ErrUpstreamUnavailable", err)
	}
	if up.Calls() != 1 {
		t.Errorf("calls = %d, want 1", up.Calls())
	}
}

func TestExecute_HalfOpenAdmitsOneTrial(t *testing.T) {
	e, clock, _ := newTestExecutor(t, Config{Name: "products", FailureThreshold: 1, Cooldown: time.Minute, DedupGrace: time.Minute})
	openBreaker(t, e)
	clock.Advance(time.Minute)

	up := testutil.NewMockUpstream(testutil.NewValueResponse("fresh"))
	release := up.Block()

	type result struct {
		val any
		err error
	}
	trialDone := make(chan result, 1)
	go func() {
		v, err := e.Execute(context.Background(), up.Load, Options{DedupKey: "products:1"})
		trialDone <- result{v, err}
	}()
	<-up.Started()

	// A different call fails fast while the trial runs.
	if _, err := e.Execute(context.Background(), up.Load, Options{DedupKey: "products:2"}); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("concurrent call error = %v, want ErrUpstreamUnavailable", err)
	}

	// A caller sharing the trial's key attaches to it.
	joined := make(chan result, 1)
	go func() {
		v, err := e.Execute(context.Background(), up.Load, Options{DedupKey: "products:1"})
		joined <- result{v, err}
	}()
	waitFor(t, func() bool { return promtest.ToFloat64(e.metrics.dedupJoins) == 1 })

	release()

	for _, ch := range []chan result{trialDone, joined} {
		r := <-ch
		if r.err != nil || r.val != "fresh" {
			t.Errorf("result = (%v, %v), want (fresh, nil)", r.val, r.err)
		}
	}
	if up.Calls() != 1 {
		t.Errorf("calls = %d, want 1", up.Calls())
	}
	if e.Status().State != StateClosed {
		t.Errorf("state = %v, want CLOSED", e.Status().State)
	}
}

func TestExecute_ClientErrorBypassesRetry(t *testing.T) {
	e, _, rec := newTestExecutor(t, Config{Name: "products", MaxRetries: 4})

	// One earlier exhausted failure so the counter is non-zero.
	fail := testutil.NewMockUpstream(testutil.NewErrorResponse(errUpstream))
	if _, err := e.Execute(context.Background(), fail.Load, Options{MaxRetries: 1}); err == nil {
		t.Fatal("expected failure")
	}

	up := testutil.NewMockUpstream(testutil.NewErrorResponse(ClientError(errors.New("invalid page"))))
	_, err := e.Execute(context.Background(), up.Load, Options{})

	if !IsClient(err) {
		t.Errorf("error kind = %v, want client", KindOf(err))
	}
	if up.Calls() != 1 {
		t.Errorf("calls = %d, want 1", up.Calls())
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("backoff sleeps = %v, want none", rec.recorded())
	}
	if got := e.Status().ConsecutiveFailures; got != 1 {
		t.Errorf("failures = %d, want 1 (unchanged)", got)
	}
}

func TestExecute_ClassifierMarksClientErrors(t *testing.T) {
	errConstraint := errors.New("constraint violation")
	e, _, _ := newTestExecutor(t, Config{
		Name: "admin",
		Classifier: func(err error) Kind {
			if errors.Is(err, errConstraint) {
				return KindClient
			}
			return KindTransient
		},
	})
	up := testutil.NewMockUpstream(testutil.NewErrorResponse(errConstraint))

	_, err := e.Execute(context.Background(), up.Load, Options{})
	if !IsClient(err) || !errors.Is(err, errConstraint) {
		t.Errorf("error = %v, want client error wrapping constraint violation", err)
	}
	if up.Calls() != 1 {
		t.Errorf("calls = %d, want 1", up.Calls())
	}
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	e, _, rec := newTestExecutor(t, Config{Name: "products"})
	up := testutil.NewMockUpstream(testutil.NewValueResponse("ok"))
	up.Enqueue(
		testutil.NewErrorResponse(errUpstream),
		testutil.NewErrorResponse(errUpstream),
	)

	got, err := e.Execute(context.Background(), up.Load, Options{MaxRetries: 3})
	if err != nil || got != "ok" {
		t.Fatalf("Execute() = (%v, %v), want (ok, nil)", got, err)
	}
	if up.Calls() != 3 {
		t.Errorf("calls = %d, want 3", up.Calls())
	}
	if len(rec.recorded()) != 2 {
		t.Errorf("sleeps = %v, want 2", rec.recorded())
	}
	if got := e.Status().ConsecutiveFailures; got != 0 {
		t.Errorf("failures = %d, want 0", got)
	}
}

func TestExecute_RetryExhausted(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products"})
	up := testutil.NewMockUpstream(testutil.NewErrorResponse(errUpstream))

	_, err := e.Execute(context.Background(), up.Load, Options{MaxRetries: 3})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	if !errors.Is(err, errUpstream) {
		t.Errorf("error = %v, want wrapped upstream error", err)
	}
	if up.Calls() != 3 {
		t.Errorf("calls = %d, want 3", up.Calls())
	}
	if got := e.Status().ConsecutiveFailures; got != 1 {
		t.Errorf("failures = %d, want 1 (one per exhausted call)", got)
	}
}

func TestExecute_TimeoutIsTransient(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "dashboard"})

	var calls atomic.Int32
	op := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := e.Execute(context.Background(), op, Options{MaxRetries: 2, Timeout: 5 * time.Millisecond})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
	if KindOf(err) != KindTransient {
		t.Errorf("kind = %v, want transient", KindOf(err))
	}
	if calls.Load() != 2 {
		t.Errorf("attempts = %d, want 2", calls.Load())
	}
	if got := e.Status().ConsecutiveFailures; got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
}

func TestExecute_CallerContextEndsWaitEarly(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products", DedupGrace: time.Minute})
	up := testutil.NewMockUpstream(testutil.NewValueResponse("late"))
	release := up.Block()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, up.Load, Options{DedupKey: "products:1"})
		done <- err
	}()
	<-up.Started()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("initiator error = %v, want context.Canceled", err)
	}

	// The shared call keeps running for other waiters.
	joined := make(chan any, 1)
	go func() {
		v, _ := e.Execute(context.Background(), up.Load, Options{DedupKey: "products:1"})
		joined <- v
	}()
	waitFor(t, func() bool { return promtest.ToFloat64(e.metrics.dedupJoins) == 1 })
	release()

	if v := <-joined; v != "late" {
		t.Errorf("joined result = %v, want late", v)
	}
	if up.Calls() != 1 {
		t.Errorf("calls = %d, want 1", up.Calls())
	}
}

func TestExecute_PanicBecomesClientError(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products"})

	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		panic("nil map")
	}, Options{})

	if !errors.Is(err, ErrPanic) {
		t.Errorf("error = %v, want ErrPanic", err)
	}
	if !IsClient(err) {
		t.Errorf("kind = %v, want client", KindOf(err))
	}
}

func TestExecute_Reset(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products", FailureThreshold: 2, Cooldown: time.Hour})
	openBreaker(t, e)

	e.Reset()

	status := e.Status()
	if status.State != StateClosed || status.ConsecutiveFailures != 0 || !status.Healthy {
		t.Errorf("status after Reset = %+v", status)
	}

	up := testutil.NewMockUpstream(testutil.NewValueResponse("ok"))
	if _, err := e.Execute(context.Background(), up.Load, Options{}); err != nil {
		t.Errorf("Execute() after Reset error = %v", err)
	}
}

func TestExecute_Close(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products"})
	up := testutil.NewMockUpstream(testutil.NewValueResponse("never"))
	up.Block()

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), up.Load, Options{})
		done <- err
	}()
	<-up.Started()

	if got := e.Status().InFlight; got != 1 {
		t.Errorf("InFlight = %d, want 1", got)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := <-done; !IsClosed(err) {
		t.Errorf("in-flight error = %v, want ErrClosed", err)
	}

	_, err := e.Execute(context.Background(), up.Load, Options{})
	if !IsClosed(err) {
		t.Errorf("Execute() after Close error = %v, want ErrClosed", err)
	}
	if e.Status().ConsecutiveFailures != 0 {
		t.Error("cancellation by Close must not count against the breaker")
	}
}

func TestDo_Typed(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "banners"})

	banners, err := Do(context.Background(), e, func(ctx context.Context) ([]string, error) {
		return []string{"summer-sale"}, nil
	}, Options{})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(banners) != 1 || banners[0] != "summer-sale" {
		t.Errorf("Do() = %v", banners)
	}
}

func TestDo_TypeMismatch(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "banners", DedupGrace: time.Minute})
	opts := Options{DedupKey: "shared"}

	if _, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return 7, nil
	}, opts); err != nil {
		t.Fatal(err)
	}

	_, err := Do(context.Background(), e, func(ctx context.Context) (string, error) {
		return "unused", nil
	}, opts)
	if err == nil {
		t.Error("Do() error = nil, want type mismatch")
	}
}

func TestExecutors_ShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, _, _ := newTestExecutor(t, Config{Name: "products", Registerer: reg})
	b, _, _ := newTestExecutor(t, Config{Name: "banners", Registerer: reg})

	ok := func(ctx context.Context) (any, error) { return 1, nil }
	a.Execute(context.Background(), ok, Options{})
	a.Execute(context.Background(), ok, Options{})
	b.Execute(context.Background(), ok, Options{})

	if got := promtest.ToFloat64(a.metrics.attempts.WithLabelValues(outcomeSuccess)); got != 2 {
		t.Errorf("products successes = %v, want 2", got)
	}
	if got := promtest.ToFloat64(b.metrics.attempts.WithLabelValues(outcomeSuccess)); got != 1 {
		t.Errorf("banners successes = %v, want 1", got)
	}
}

func TestExecute_AttemptIgnoringContextTimesOut(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "dashboard"})

	stuck := make(chan struct{})
	defer close(stuck)

	op := func(ctx context.Context) (any, error) {
		<-stuck // never looks at ctx
		return "late", nil
	}

	start := time.Now()
	_, err := e.Execute(context.Background(), op, Options{MaxRetries: 1, Timeout: 10 * time.Millisecond})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
	if KindOf(err) != KindTransient {
		t.Errorf("kind = %v, want transient", KindOf(err))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Execute() took %v, want it bounded by the attempt timeout", elapsed)
	}
}

func TestExecute_ForgetStartsNewCall(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products", DedupGrace: time.Minute})
	up := testutil.NewMockUpstream(testutil.NewValueResponse("v1"))
	opts := Options{DedupKey: "products:1"}

	if _, err := e.Execute(context.Background(), up.Load, opts); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	e.Forget("products:1")
	up.SetResponse(testutil.NewValueResponse("v2"))

	got, err := e.Execute(context.Background(), up.Load, opts)
	if err != nil || got != "v2" {
		t.Errorf("Execute() after Forget = (%v, %v), want (v2, nil)", got, err)
	}
	if up.Calls() != 2 {
		t.Errorf("calls = %d, want 2", up.Calls())
	}
}

func TestExecute_ForgetMatching(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products", DedupGrace: time.Minute})
	up := testutil.NewMockUpstream(testutil.NewValueResponse("v"))

	for _, key := range []string{"products:1", "products:2", "banners:active"} {
		if _, err := e.Execute(context.Background(), up.Load, Options{DedupKey: key}); err != nil {
			t.Fatalf("Execute(%s) error = %v", key, err)
		}
	}

	n := e.ForgetMatching(func(key string) bool { return key != "banners:active" })
	if n != 2 {
		t.Errorf("ForgetMatching() = %d, want 2", n)
	}
	if got := e.inflight.len(); got != 1 {
		t.Errorf("registrations left = %d, want 1", got)
	}
}

func TestExecute_ConcurrentClose(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{Name: "products"})
	up := testutil.NewMockUpstream(testutil.NewValueResponse("ok"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), up.Load, Options{})
			if err != nil && !IsClosed(err) {
				t.Errorf("Execute() error = %v, want nil or ErrClosed", err)
			}
		}()
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	wg.Wait()

	if got := e.Status().InFlight; got != 0 {
		t.Errorf("InFlight after Close = %d, want 0", got)
	}
}

func TestNew_OptionalFeaturesStayOff(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{})

	if e.cfg.DedupGrace != 0 || e.cfg.MaxBackoff != 0 || e.cfg.Jitter != 0 {
		t.Errorf("grace/backoff cap/jitter = %v/%v/%v, want all zero", e.cfg.DedupGrace, e.cfg.MaxBackoff, e.cfg.Jitter)
	}
	if e.cfg.MaxRetries != DefaultConfig().MaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", e.cfg.MaxRetries, DefaultConfig().MaxRetries)
	}
}
