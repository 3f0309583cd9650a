package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error is transient", base, KindTransient},
		{"client error", ClientError(base), KindClient},
		{"wrapped client error", fmt.Errorf("load: %w", ClientError(base)), KindClient},
		{"transient error", TransientError(base), KindTransient},
		{"upstream unavailable", ErrUpstreamUnavailable, KindUnavailable},
		{"wrapped upstream unavailable", fmt.Errorf("nested: %w", ErrUpstreamUnavailable), KindUnavailable},
		{"deadline exceeded", context.DeadlineExceeded, KindTransient},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindOf_Classifier(t *testing.T) {
	errConstraint := errors.New("constraint violation")
	classify := func(err error) Kind {
		if errors.Is(err, errConstraint) {
			return KindClient
		}
		return KindTransient
	}

	if got := kindOf(errConstraint, classify); got != KindClient {
		t.Errorf("kindOf() = %v, want client", got)
	}
	if got := kindOf(errors.New("other"), classify); got != KindTransient {
		t.Errorf("kindOf() = %v, want transient", got)
	}
	// Explicit kinds win over the classifier.
	if got := kindOf(TransientError(errConstraint), classify); got != KindTransient {
		t.Errorf("kindOf() = %v, want transient", got)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected bool
	}{
		{KindClient, false},
		{KindTransient, true},
		{KindUnavailable, true},
		{Kind(42), false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := shouldRetry(tt.kind); got != tt.expected {
				t.Errorf("shouldRetry(%v) = %v, want %v", tt.kind, got, tt.expected)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "with op",
			err:      &Error{Kind: KindClient, Op: "products", Err: errors.New("not found")},
			expected: "products: client error: not found",
		},
		{
			name:     "without op",
			err:      &Error{Kind: KindTransient, Err: errors.New("reset by peer")},
			expected: "transient error: reset by peer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("base")
	err := &Error{Kind: KindTransient, Err: base}

	if !errors.Is(err, base) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestNilConstructors(t *testing.T) {
	if ClientError(nil) != nil {
		t.Error("ClientError(nil) should be nil")
	}
	if TransientError(nil) != nil {
		t.Error("TransientError(nil) should be nil")
	}
	if IsClient(nil) || IsUnavailable(nil) {
		t.Error("nil error should not be classified")
	}
}

func TestWithKind(t *testing.T) {
	base := errors.New("bad input")

	tagged := withKind(KindClient, "products", ClientError(base))
	if tagged.Op != "products" || tagged.Err != base {
		t.Errorf("withKind() = %+v, want op tagged without double wrapping", tagged)
	}

	wrapped := withKind(KindClient, "products", base)
	if wrapped.Kind != KindClient || !errors.Is(wrapped, base) {
		t.Errorf("withKind() = %+v", wrapped)
	}
}
