package exchange

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Calls fail fast
	StateHalfOpen BreakerState = "half_open" // Single probe admitted
)

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	Enabled          bool          `json:"enabled"`
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures to trip
	FailureWindow    time.Duration `json:"failure_window"`    // Failures must land within this window
	Cooldown         time.Duration `json:"cooldown"`          // Open duration before a probe
}

// DefaultBreakerConfig returns the standard thresholds
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// Breaker guards outbound exchange calls. After FailureThreshold consecutive
// failures within FailureWindow it opens; all calls then fail fast until the
// cooldown elapses and a single half-open probe decides recovery.
type Breaker struct {
	config *BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	firstFailure  time.Time
	openedAt      time.Time
	tripReason    string
	probeInFlight bool

	onTrip  func(reason string)
	onReset func()
}

// NewBreaker creates a circuit breaker
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
	}
}

// OnTrip sets the trip callback, invoked outside the lock
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the reset callback
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether a call may proceed. In half-open only one probe is
// admitted at a time.
func (b *Breaker) Allow() error {
	if !b.config.Enabled {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := time.Since(b.openedAt)
		if elapsed < b.config.Cooldown {
			return &Error{
				Kind:       KindCircuitOpen,
				Msg:        fmt.Sprintf("circuit open, cooldown remaining %v", (b.config.Cooldown - elapsed).Round(time.Second)),
				RetryAfter: b.config.Cooldown - elapsed,
			}
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return NewError(KindCircuitOpen, "circuit half-open, probe in flight")
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker after a successful call
func (b *Breaker) RecordSuccess() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	wasRecovering := b.state != StateClosed
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
	onReset := b.onReset
	b.mu.Unlock()

	if wasRecovering && onReset != nil {
		go onReset()
	}
}

// RecordFailure counts a failed call. A failed half-open probe reopens
// immediately.
func (b *Breaker) RecordFailure() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	now := time.Now()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		reason := "half-open probe failed"
		b.trip(now, reason)
		onTrip := b.onTrip
		b.mu.Unlock()
		if onTrip != nil {
			go onTrip(reason)
		}
		return
	}

	if b.failures == 0 || now.Sub(b.firstFailure) > b.config.FailureWindow {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++

	var tripped string
	if b.failures >= b.config.FailureThreshold {
		tripped = fmt.Sprintf("%d consecutive failures within %v", b.failures, b.config.FailureWindow)
		b.trip(now, tripped)
	}
	onTrip := b.onTrip
	b.mu.Unlock()

	if tripped != "" && onTrip != nil {
		go onTrip(tripped)
	}
}

// trip opens the breaker. Caller holds the lock.
func (b *Breaker) trip(now time.Time, reason string) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = 0
	b.tripReason = reason
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetStats returns breaker statistics
func (b *Breaker) GetStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"state":       string(b.state),
		"failures":    b.failures,
		"opened_at":   b.openedAt,
		"trip_reason": b.tripReason,
	}
}
