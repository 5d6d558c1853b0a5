// Package circuitbreaker implements a per-connector circuit breaker. It
// short-circuits dispatches to known-bad upstreams, turning repeated timeout
// waits into an immediate 503.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping
	OpenTimeout      time.Duration // time in OPEN before a probe is allowed
}

// DefaultConfig returns the gateway defaults: trip after 5 consecutive
// failures, probe after 30 seconds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker is a per-connector three-state circuit breaker. A success in any
// state closes it and clears the failure count; consecutive failures at or
// above the threshold open it.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	lastUsed  time.Time // for stale eviction
	probing   bool      // a half-open probe is in flight
	threshold int
	openFor   time.Duration

	now func() time.Time // test hook
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		state:     StateClosed,
		threshold: cfg.FailureThreshold,
		openFor:   cfg.OpenTimeout,
		lastUsed:  time.Now(),
		now:       time.Now,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow checks whether a dispatch may proceed. In OPEN it transitions to
// HALF_OPEN once the open timeout has elapsed and admits that request as the
// probe. Concurrent callers may both observe HALF_OPEN before the probe
// flag is set; the extra probe is accepted.
func (b *Breaker) Allow() bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.openFor {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failed dispatch. Timeouts count; SSRF rejections
// never reach the breaker.
func (b *Breaker) RecordFailure() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		// Probe failed: reopen for another full timeout.
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}

// ReleaseProbe abandons an in-flight half-open probe without recording an
// outcome. A dispatch that ends for reasons unrelated to upstream health,
// such as the consumer hanging up, must call this so the next request can
// probe; otherwise the breaker rejects traffic until it goes stale.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
