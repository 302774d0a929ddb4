package plexus

import (
	"sync"
	"time"
)

// BreakerState is a circuit breaker's position.
type BreakerState string

const (
	// BreakerClosed passes traffic and counts failures.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects traffic until the reset timeout elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits a single probe call and counts successes.
	BreakerHalfOpen BreakerState = "halfOpen"
)

// Breaker defaults.
const (
	DefaultBreakerFailureThreshold = 5                // closed -> open
	DefaultBreakerSuccessThreshold = 3                // halfOpen -> closed
	DefaultBreakerOpenTimeout      = 60 * time.Second // open -> halfOpen
)

// BreakerConfig overrides the breaker thresholds. Zero fields keep the
// defaults.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold,omitempty"`
	SuccessThreshold int           `json:"success_threshold,omitempty"`
	OpenTimeout      time.Duration `json:"open_timeout,omitempty"`
}

// normalized returns the config with defaults filled in.
func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultBreakerSuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultBreakerOpenTimeout
	}
	return c
}

// CircuitBreaker guards one instance against repeated failures. State
// transitions: closed opens after FailureThreshold consecutive failures;
// open admits again (halfOpen) after OpenTimeout; halfOpen admits one
// in-flight probe at a time, closes after SuccessThreshold consecutive
// successes, and re-opens on any failure. Safe for concurrent use;
// construct with NewCircuitBreaker.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	probing   bool // a halfOpen probe is in flight
	openedAt  time.Time

	// now is stubbed in tests.
	now func() time.Time
}

// NewCircuitBreaker returns a closed breaker with default thresholds.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWith(BreakerConfig{})
}

// NewCircuitBreakerWith returns a closed breaker with the given thresholds.
func NewCircuitBreakerWith(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.normalized(), state: BreakerClosed, now: time.Now}
}

func (b *CircuitBreaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

// tick applies the open-to-halfOpen timeout transition. Caller holds the
// lock.
func (b *CircuitBreaker) tick() {
	if b.state == BreakerOpen && b.clock().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		b.probing = false
	}
}

// Ready reports whether the breaker would admit a call right now, without
// claiming the halfOpen probe slot. Candidate filtering uses Ready; the
// dispatch path claims with Allow.
func (b *CircuitBreaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		return !b.probing
	}
	return true
}

// Allow reports whether a call may proceed. In the halfOpen state only one
// in-flight probe is admitted; the slot is released when the probe's outcome
// is recorded.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// RecordSuccess counts one successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure counts one failed call, opening the breaker at the failure
// threshold. A halfOpen failure re-opens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		b.open()
	}
}

// open transitions to the open state. Caller holds the lock.
func (b *CircuitBreaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.clock()
	b.failures = 0
	b.successes = 0
	b.probing = false
}

// State returns the breaker's current position, applying the open-to-halfOpen
// timeout transition so observers never see a stale open.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	return b.state
}
