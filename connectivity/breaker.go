// Package connectivity provides the shared resilience primitives used by
// browser acquisition, extraction, and downstream HTTP calls: per-upstream
// circuit breakers, exponential-backoff retry, and HTTP fetch with retry.
package connectivity

import (
	"context"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls pass through.
	BreakerOpen                         // Calls rejected immediately.
	BreakerHalfOpen                     // Limited probe calls allowed to test recovery.
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open. Default: 5.
	FailureThreshold int
	// ResetTime is how long the breaker stays open before allowing
	// half-open probes. Default: 30s.
	ResetTime time.Duration
	// HalfOpenRequests is the maximum number of in-flight probes admitted
	// while half-open. Default: 1.
	HalfOpenRequests int
}

func (c *BreakerConfig) defaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTime <= 0 {
		c.ResetTime = 30 * time.Second
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 1
	}
}

// CircuitBreaker implements the circuit breaker pattern for one upstream.
// Thread-safe: all state transitions use a mutex.
type CircuitBreaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	probes      int // in-flight half-open probes
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a breaker with the given config.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.defaults()
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// SetClock replaces the breaker's clock (for testing).
func (cb *CircuitBreaker) SetClock(fn func() time.Time) {
	cb.mu.Lock()
	cb.now = fn
	cb.mu.Unlock()
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	return cb.state
}

// allow reserves a call slot. Returns nil if the call may proceed, or an
// ErrCircuitOpen with a retry-after hint. In half-open it admits at most
// HalfOpenRequests concurrent probes.
func (cb *CircuitBreaker) allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenRequests {
			return &ErrCircuitOpen{Key: key, RetryAfter: cb.retryAfterLocked()}
		}
		cb.probes++
		return nil
	default: // BreakerOpen
		return &ErrCircuitOpen{Key: key, RetryAfter: cb.retryAfterLocked()}
	}
}

func (cb *CircuitBreaker) retryAfterLocked() time.Duration {
	remain := cb.cfg.ResetTime - cb.now().Sub(cb.lastFailure)
	if remain < 0 {
		remain = 0
	}
	return remain
}

// record settles a call reserved by allow.
func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	if success {
		switch cb.state {
		case BreakerHalfOpen:
			cb.state = BreakerClosed
			cb.failures = 0
		case BreakerClosed:
			cb.failures = 0
		}
		return
	}

	cb.lastFailure = cb.now()
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		// Any probe failure goes straight back to open.
		cb.state = BreakerOpen
	}
}

// Reset forces the breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probes = 0
}

// maybeTransition checks if an open breaker should move to half-open.
// Must be called with mu held.
func (cb *CircuitBreaker) maybeTransition() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.ResetTime {
		cb.state = BreakerHalfOpen
		cb.probes = 0
	}
}

// Breakers is a process-wide registry of circuit breakers keyed by logical
// upstream ("browserbase", "ingest", per-host if desired). Initialized once
// at startup and passed by reference; no hidden singletons.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	now      func() time.Time
}

// NewBreakers creates an empty registry.
func NewBreakers() *Breakers {
	return &Breakers{breakers: make(map[string]*CircuitBreaker), now: time.Now}
}

// SetClock replaces the clock used for breakers created after this call
// and for all existing breakers (for testing).
func (r *Breakers) SetClock(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
	for _, cb := range r.breakers {
		cb.SetClock(fn)
	}
}

// Get returns the breaker for key, creating it with cfg on first use.
// Later calls for the same key ignore cfg.
func (r *Breakers) Get(key string, cfg BreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(cfg)
		cb.SetClock(r.now)
		r.breakers[key] = cb
	}
	return cb
}

// Do runs fn under the breaker for key. When the breaker is open the call
// fails immediately with *ErrCircuitOpen carrying a retry-after hint.
func (r *Breakers) Do(ctx context.Context, key string, cfg BreakerConfig, fn func(ctx context.Context) error) error {
	cb := r.Get(key, cfg)
	if err := cb.allow(key); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err == nil)
	return err
}

// State returns the state of the breaker for key, or BreakerClosed if the
// key has never been used.
func (r *Breakers) State(key string) BreakerState {
	r.mu.Lock()
	cb, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return cb.State()
}
