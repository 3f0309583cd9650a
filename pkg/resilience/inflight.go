package resilience

import (
	"sync"
	"time"
)

// call is a shared future for one upstream call. done is closed once val and
// err are set; both are read-only afterwards.
type call struct {
	key          string
	done         chan struct{}
	val          any
	err          error
	registeredAt time.Time
}

func newCall(key string, now time.Time) *call {
	return &call{
		key:          key,
		done:         make(chan struct{}),
		registeredAt: now,
	}
}

func (c *call) settle(val any, err error) {
	c.val, c.err = val, err
	close(c.done)
}

// inflight maps dedup keys to their shared call. A registration outlives its
// call by a grace window so callers arriving just after settlement reuse the
// result instead of starting a new upstream call.
type inflight struct {
	mu    sync.Mutex
	calls map[string]*call
}

func newInflight() *inflight {
	return &inflight{calls: make(map[string]*call)}
}

// lookup returns the registration for key, if any.
func (r *inflight) lookup(key string) *call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

// register stores c under key unless a registration already exists, in which
// case the existing call is returned and joined is true.
func (r *inflight) register(key string, c *call) (existing *call, joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.calls[key]; ok {
		return prev, true
	}
	r.calls[key] = c
	return c, false
}

// release removes the registration of c after grace. Only c itself is removed,
// never a newer registration under the same key.
func (r *inflight) release(c *call, grace time.Duration) {
	if grace <= 0 {
		r.forget(c)
		return
	}
	time.AfterFunc(grace, func() { r.forget(c) })
}

func (r *inflight) forget(c *call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[c.key] == c {
		delete(r.calls, c.key)
	}
}

func (r *inflight) forgetKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, key)
}

func (r *inflight) forgetMatching(match func(key string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.calls {
		if match(key) {
			delete(r.calls, key)
			n++
		}
	}
	return n
}

// clear drops every registration. Calls in progress still settle their waiters.
func (r *inflight) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make(map[string]*call)
}

func (r *inflight) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
