package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// backoff returns the sleep before the attempt following attempt (1-based):
// RetryDelay·2^(attempt−1) with exponential backoff, RetryDelay otherwise,
// capped at MaxBackoff and spread by Jitter.
func (e *Executor) backoff(opts Options, attempt int) time.Duration {
	delay := opts.RetryDelay
	if opts.ExponentialBackoff != nil && *opts.ExponentialBackoff {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if e.cfg.MaxBackoff > 0 && delay >= e.cfg.MaxBackoff {
				break
			}
		}
	}
	if e.cfg.MaxBackoff > 0 && delay > e.cfg.MaxBackoff {
		delay = e.cfg.MaxBackoff
	}

	if j := e.cfg.Jitter; j > 0 {
		// ±j randomness to avoid synchronized retries across executors.
		delay = time.Duration(float64(delay) * (1 - j + rand.Float64()*2*j))
	}
	return delay
}

// retryWithBackoff runs op up to opts.MaxRetries times. Client errors return
// immediately; transient errors are retried and reported to the breaker only
// once every attempt failed.
func (e *Executor) retryWithBackoff(ctx context.Context, op Operation, opts Options, trial bool) (any, error) {
	var lastErr error

	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		val, err := e.attempt(ctx, op, opts.Timeout)
		if err == nil {
			e.metrics.attempt(outcomeSuccess)
			e.breaker.Success(trial)
			if attempt > 1 {
				e.logger.Info().
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return val, nil
		}

		lastErr = err
		kind := kindOf(err, e.cfg.Classifier)

		if !shouldRetry(kind) {
			e.metrics.attempt(outcomeClient)
			e.breaker.Release(trial)
			e.logger.Debug().Err(err).Msg("Client error, not retrying")
			return nil, withKind(KindClient, e.name, err)
		}
		e.metrics.attempt(outcomeTransient)

		// Executor closed while the attempt ran.
		if ctx.Err() != nil {
			e.breaker.Release(trial)
			return nil, &Error{Kind: KindTransient, Op: e.name, Err: fmt.Errorf("%w: %w", ErrClosed, err)}
		}

		if attempt >= opts.MaxRetries {
			break
		}

		delay := e.backoff(opts, attempt)
		e.metrics.retries.Inc()
		e.metrics.backoffSeconds.Observe(delay.Seconds())

		e.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying operation after backoff")

		if err := e.sleep(ctx, delay); err != nil {
			e.breaker.Release(trial)
			e.logger.Warn().
				Int("attempt", attempt).
				Msg("Executor closed during retry backoff")
			return nil, &Error{Kind: KindTransient, Op: e.name, Err: fmt.Errorf("%w: %w", ErrClosed, lastErr)}
		}
	}

	e.metrics.exhausted.Inc()
	e.breaker.Failure(trial)
	e.logger.Error().
		Err(lastErr).
		Int("max_attempts", opts.MaxRetries).
		Msg("Retry attempts exhausted")

	return nil, &Error{
		Kind: KindTransient,
		Op:   e.name,
		Err:  fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, opts.MaxRetries, lastErr),
	}
}

// attempt runs op once under its own timeout. A panic becomes a client error.
// An attempt still running at the deadline is abandoned and reported as a
// transient timeout, whether or not op watches its context.
func (e *Executor) attempt(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)

	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r = result{err: ClientError(fmt.Errorf("%w: %v", ErrPanic, p))}
				e.logger.Error().Interface("panic", p).Msg("Operation panicked")
			}
			done <- r
		}()
		r.val, r.err = op(actx)
	}()

	select {
	case r := <-done:
		if r.err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			r.err = TransientError(fmt.Errorf("attempt timed out after %s: %w", timeout, r.err))
		}
		return r.val, r.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.logger.Debug().Dur("timeout", timeout).Msg("Attempt timed out")
		return nil, TransientError(fmt.Errorf("attempt timed out after %s: %w", timeout, actx.Err()))
	}
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
