// Package testutil provides testing utilities for the storefront cache.
package testutil

import (
	"context"
	"sync"
	"time"
)

// MockResponse defines the behavior of one mock upstream call.
type MockResponse struct {
	Value any
	Err   error
	Delay time.Duration
}

// MockUpstream is a scriptable stand-in for a backend query. Scripted
// responses are consumed in order; once exhausted, the fallback is returned.
type MockUpstream struct {
	mu        sync.Mutex
	scripted  []MockResponse
	fallback  MockResponse
	gate      chan struct{}
	started   chan struct{}
	calls     int
	inFlight  int
	maxFlight int
}

// NewMockUpstream creates a mock that answers with fallback unless
// responses were enqueued.
func NewMockUpstream(fallback MockResponse) *MockUpstream {
	return &MockUpstream{
		fallback: fallback,
		started:  make(chan struct{}, 1024),
	}
}

// Enqueue appends scripted responses.
func (m *MockUpstream) Enqueue(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, resps...)
}

// SetResponse replaces the fallback response.
func (m *MockUpstream) SetResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = resp
}

// Block makes every subsequent call wait until the returned release function
// is called (or the call's context ends).
func (m *MockUpstream) Block() (release func()) {
	gate := make(chan struct{})

	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Started receives one signal per call as soon as the call begins.
func (m *MockUpstream) Started() <-chan struct{} {
	return m.started
}

// Load performs a mock call. It matches the loader signature used across the
// storefront cache.
func (m *MockUpstream) Load(ctx context.Context) (any, error) {
	m.mu.Lock()
	m.calls++
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	resp := m.fallback
	if len(m.scripted) > 0 {
		resp = m.scripted[0]
		m.scripted = m.scripted[1:]
	}
	gate := m.gate
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	select {
	case m.started <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return resp.Value, resp.Err
}

// Calls returns the number of calls made so far.
func (m *MockUpstream) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MaxConcurrent returns the highest number of simultaneous calls observed.
func (m *MockUpstream) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxFlight
}

// Reset clears counters and scripted responses.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = nil
	m.calls = 0
	m.inFlight = 0
	m.maxFlight = 0
}

// NewValueResponse creates a successful response.
func NewValueResponse(v any) MockResponse {
	return MockResponse{Value: v}
}

// NewErrorResponse creates a failing response.
func NewErrorResponse(err error) MockResponse {
	return MockResponse{Err: err}
}

// NewSlowResponse creates a successful response that takes d.
func NewSlowResponse(v any, d time.Duration) MockResponse {
	return MockResponse{Value: v, Delay: d}
}
