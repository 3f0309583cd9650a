package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by the executor.
var (
	// ErrUpstreamUnavailable is returned when the circuit breaker refuses a call.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrClosed is returned once the executor has been closed.
	ErrClosed = errors.New("executor closed")

	// ErrPanic wraps a panic raised by an operation.
	ErrPanic = errors.New("operation panicked")
)

// Kind classifies an error for retry and breaker accounting.
type Kind int

const (
	// KindTransient covers network faults, timeouts and upstream failures.
	// Retried with backoff; counted against the breaker once retries are exhausted.
	KindTransient Kind = iota

	// KindClient covers caller-side faults such as malformed input or missing
	// records. Never retried and never counted against the breaker.
	KindClient

	// KindUnavailable is synthesized by the executor when the breaker is open.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindTransient:
		return "transient"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is an error with an explicit Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ClientError marks err as a client error. Returns nil if err is nil.
func ClientError(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindClient, Err: err}
}

// TransientError marks err as a transient error. Returns nil if err is nil.
func TransientError(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Classifier decides the Kind of an error that carries no explicit kind.
type Classifier func(err error) Kind

// KindOf classifies err. Errors without an explicit kind are transient.
func KindOf(err error) Kind {
	return kindOf(err, nil)
}

// IsClient reports whether err is a client error.
func IsClient(err error) bool {
	return err != nil && KindOf(err) == KindClient
}

// IsUnavailable reports whether err was produced by an open breaker.
func IsUnavailable(err error) bool {
	return err != nil && KindOf(err) == KindUnavailable
}

// kindOf checks, in order: an explicit *Error kind, the unavailable sentinel,
// context deadlines, net.Error timeouts and finally the classifier.
func kindOf(err error, classify Classifier) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	if errors.Is(err, ErrUpstreamUnavailable) {
		return KindUnavailable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}

	if classify != nil {
		return classify(err)
	}

	return KindTransient
}

// shouldRetry determines if an error should be retried based on its kind.
func shouldRetry(kind Kind) bool {
	switch kind {
	case KindClient:
		// Retrying caller faults only burns the upstream's capacity.
		return false
	case KindTransient, KindUnavailable:
		return true
	default:
		return false
	}
}

// withKind returns err as an *Error of the given kind tagged with op. An
// existing *Error of the same kind is tagged in place of being wrapped again.
func withKind(kind Kind, op string, err error) *Error {
	if re, ok := err.(*Error); ok && re.Kind == kind && re.Op == "" {
		return &Error{Kind: kind, Op: op, Err: re.Err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
