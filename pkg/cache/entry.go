package cache

import (
	"time"
)

// State is the freshness of a cache entry at a point in time.
type State int

const (
	// StateAbsent means the entry is past its stale window (or never existed).
	StateAbsent State = iota

	// StateFresh means the entry may be served without revalidation.
	StateFresh

	// StateStale means the entry may be served, but should be revalidated.
	StateStale
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "absent"
	}
}

// Entry is a cached value together with its freshness window.
type Entry struct {
	// Key is the cache key the entry is stored under.
	Key string

	// Value is the opaque cached payload.
	Value any

	// FreshUntil is when the entry stops being fresh.
	FreshUntil time.Time

	// StaleUntil is when the entry stops being servable (>= FreshUntil).
	StaleUntil time.Time

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time
}

// StateAt reports the entry state at now.
func (e *Entry) StateAt(now time.Time) State {
	switch {
	case now.Before(e.FreshUntil):
		return StateFresh
	case now.Before(e.StaleUntil):
		return StateStale
	default:
		return StateAbsent
	}
}

// TTL returns the remaining freshness at now.
// Returns 0 if the entry is no longer fresh.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.FreshUntil.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
