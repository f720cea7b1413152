package notifier

import (
	"sync"
	"time"

	"github.com/pitabwire/arbiter/internal/config"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// minRateSamples is the minimum number of calls in a window before the
// error rate trips the breaker, so a single failed call out of one total
// does not read as a 100% failure rate.
const minRateSamples = 10

// Breaker guards the webhook channel against a failing receiver. It trips
// open on consecutive failures or on the error rate within a tumbling
// window, then probes with single requests after a cooldown. Safe for
// concurrent use.
type Breaker struct {
	mu       sync.Mutex
	state    string
	openedAt time.Time

	consecutiveFailures int
	probeSuccesses      int

	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	rateThreshold float64
	rateWindow    time.Duration
	windowStart   time.Time
	windowCalls   int
	windowFailed  int
}

// NewBreaker creates a breaker from configuration, applying defaults for
// unset thresholds. A zero rate threshold or window disables rate
// tripping.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		cooldown:         cfg.Timeout,
		rateThreshold:    cfg.ErrorRateThreshold,
		rateWindow:       cfg.ErrorRateWindow,
		windowStart:      time.Now(),
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	return b
}

// Allow reports whether a call may proceed. After the cooldown an open
// breaker moves to half-open and admits a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) > b.cooldown {
			b.state = StateHalfOpen
			b.probeSuccesses = 0
			return true
		}
		return false
	}
	return true
}

// Observe records the outcome of a call.
func (b *Breaker) Observe(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.observeWindow(success)
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold || b.rateExceeded() {
			b.trip()
		}
	case StateHalfOpen:
		if !success {
			// A failed probe reopens immediately.
			b.trip()
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.successThreshold {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.resetWindow()
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) > b.cooldown {
		b.state = StateHalfOpen
		b.probeSuccesses = 0
	}
	return b.state
}

// trip opens the breaker. Must be called with the lock held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.probeSuccesses = 0
	b.resetWindow()
}

// observeWindow records a call in the tumbling window. Must be called with
// the lock held.
func (b *Breaker) observeWindow(success bool) {
	if b.rateWindow <= 0 {
		return
	}
	if time.Since(b.windowStart) > b.rateWindow {
		b.resetWindow()
	}
	b.windowCalls++
	if !success {
		b.windowFailed++
	}
}

// rateExceeded reports whether the windowed error rate trips the breaker.
// Must be called with the lock held.
func (b *Breaker) rateExceeded() bool {
	if b.rateThreshold <= 0 || b.rateWindow <= 0 || b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFailed)/float64(b.windowCalls) >= b.rateThreshold
}

// resetWindow clears the window counters. Must be called with the lock held.
func (b *Breaker) resetWindow() {
	b.windowStart = time.Now()
	b.windowCalls = 0
	b.windowFailed = 0
}
