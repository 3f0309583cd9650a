package resilience

import (
	"sync"
	"time"
)

// State is the state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls that opens the breaker.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a trial call.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of a Breaker.
type BreakerSnapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	TrialInFlight       bool
}

// Breaker is a consecutive-failure circuit breaker. A failure here means a
// whole call that exhausted its retries, not a single attempt. While half-open
// exactly one trial call is admitted at a time.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    State
	failures int
	openedAt time.Time
	trial    bool

	now      func() time.Time
	onChange func(from, to State)
}

// NewBreaker creates a closed breaker. onChange, if non-nil, is called after
// every state transition, outside the breaker lock.
func NewBreaker(cfg BreakerConfig, now func() time.Time, onChange func(from, to State)) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		now:      now,
		onChange: onChange,
	}
}

// Rejecting reports whether the breaker is open and still cooling down.
// It never changes state.
func (b *Breaker) Rejecting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.now().Sub(b.openedAt) < b.cfg.Cooldown
}

// Admit decides whether a new call may reach the upstream. trial is true when
// the call is the single half-open trial; the caller must report its outcome
// with Success, Failure or Release passing the same flag.
func (b *Breaker) Admit() (trial bool, err error) {
	b.mu.Lock()

	from := b.state
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false, ErrUpstreamUnavailable
		}
		b.state = StateHalfOpen
		b.trial = true
		b.mu.Unlock()
		b.changed(from, StateHalfOpen)
		return true, nil

	default: // StateHalfOpen
		if b.trial {
			b.mu.Unlock()
			return false, ErrUpstreamUnavailable
		}
		b.trial = true
		b.mu.Unlock()
		return true, nil
	}
}

// Success records a successful call: failures reset to zero and a half-open
// breaker closes.
func (b *Breaker) Success(trial bool) {
	b.mu.Lock()
	from := b.state
	if trial {
		b.trial = false
	}
	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.trial = false
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
}

// Failure records a call whose retries were exhausted. A closed breaker opens
// once failures reach the threshold; a failed trial reopens immediately with
// a new openedAt.
func (b *Breaker) Failure(trial bool) {
	b.mu.Lock()
	from := b.state
	if trial {
		b.trial = false
	}
	b.failures++

	switch {
	case trial && b.state == StateHalfOpen:
		b.open()
	case b.state == StateClosed && b.failures >= b.cfg.FailureThreshold:
		b.open()
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
}

// Release frees a trial slot without recording an outcome, e.g. when the
// trial ended with a client error.
func (b *Breaker) Release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// Reset forces the breaker closed with zero failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.openedAt = time.Time{}
	b.trial = false
	b.mu.Unlock()

	b.changed(from, StateClosed)
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		TrialInFlight:       b.trial,
	}
}

// open transitions to OPEN. Caller must hold the mutex.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.trial = false
}

func (b *Breaker) changed(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
