// Package resilience provides the request executor that stands between the
// storefront cache and its upstream data sources.
//
// An Executor wraps every upstream call with:
//
//   - a per-attempt timeout, enforced by cancelling the attempt's context
//   - retry with constant or exponential backoff (RetryDelay·2^(attempt−1))
//   - a consecutive-failure circuit breaker (CLOSED → OPEN → HALF_OPEN)
//   - in-flight deduplication: concurrent calls with the same DedupKey share
//     one upstream call, and the settled result stays joinable for a short
//     grace window
//
// # Basic Usage
//
//	exec, err := resilience.New(resilience.Config{
//	    Name:             "products",
//	    FailureThreshold: 5,
//	    Cooldown:         30 * time.Second,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	products, err := resilience.Do(ctx, exec, loadProducts, resilience.Options{
//	    MaxRetries: 3,
//	    Timeout:    2 * time.Second,
//	    RetryDelay: 300 * time.Millisecond,
//	    DedupKey:   "products:1:20",
//	})
//
// # Error Kinds
//
// Errors are classified into a closed set of kinds:
//
//   - KindClient: caller-side faults (see ClientError). Returned immediately,
//     never retried, never counted against the breaker.
//   - KindTransient: network faults and timeouts (see TransientError). Retried;
//     counted against the breaker once every attempt failed.
//   - KindUnavailable: the breaker refused the call (ErrUpstreamUnavailable).
//     The operation was not invoked.
//
// Errors without an explicit kind are classified by Config.Classifier, and are
// transient when no classifier is set.
//
// # Breaker
//
// After FailureThreshold consecutive exhausted calls the breaker opens and
// every call fails fast with ErrUpstreamUnavailable. Once Cooldown has elapsed
// exactly one trial call is admitted: success closes the breaker, failure
// reopens it with a fresh cooldown. Callers sharing the trial's DedupKey
// attach to it; everyone else keeps failing fast until the trial settles.
package resilience
