package exchange

import (
	"context"
	"sync"
	"time"
)

// RateLimiterConfig holds the request rate limits
type RateLimiterConfig struct {
	PerSecond int `json:"per_second"`
	PerMinute int `json:"per_minute"`
}

// DefaultRateLimiterConfig returns the exchange's published limits with
// headroom.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		PerSecond: 10,
		PerMinute: 600,
	}
}

// RateLimiter admits requests through two concurrent sliding windows. A
// request goes through only when both the per-second and per-minute windows
// have room.
type RateLimiter struct {
	mu     sync.Mutex
	config *RateLimiterConfig

	secondWindow []time.Time
	minuteWindow []time.Time
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	return &RateLimiter{
		config:       config,
		secondWindow: make([]time.Time, 0, config.PerSecond),
		minuteWindow: make([]time.Time, 0, config.PerMinute),
	}
}

// TryAcquire attempts to take a slot without blocking. When denied it returns
// the duration after which a slot frees up.
func (r *RateLimiter) TryAcquire() (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.prune(now)

	var wait time.Duration
	if len(r.secondWindow) >= r.config.PerSecond {
		wait = r.secondWindow[0].Add(time.Second).Sub(now)
	}
	if len(r.minuteWindow) >= r.config.PerMinute {
		if w := r.minuteWindow[0].Add(time.Minute).Sub(now); w > wait {
			wait = w
		}
	}
	if wait > 0 {
		return false, wait
	}

	r.secondWindow = append(r.secondWindow, now)
	r.minuteWindow = append(r.minuteWindow, now)
	return true, 0
}

// WaitForSlot blocks until both windows admit the request or the context is
// cancelled.
func (r *RateLimiter) WaitForSlot(ctx context.Context) error {
	for {
		ok, wait := r.TryAcquire()
		if ok {
			return nil
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return WrapError(KindNetwork, "rate limit wait cancelled", ctx.Err())
		case <-timer.C:
		}
	}
}

// prune drops entries that left their window. Caller holds the lock.
func (r *RateLimiter) prune(now time.Time) {
	secCut := now.Add(-time.Second)
	i := 0
	for i < len(r.secondWindow) && !r.secondWindow[i].After(secCut) {
		i++
	}
	r.secondWindow = r.secondWindow[i:]

	minCut := now.Add(-time.Minute)
	i = 0
	for i < len(r.minuteWindow) && !r.minuteWindow[i].After(minCut) {
		i++
	}
	r.minuteWindow = r.minuteWindow[i:]
}

// GetStats returns current window usage
func (r *RateLimiter) GetStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(time.Now())

	return map[string]interface{}{
		"second_window_used": len(r.secondWindow),
		"second_window_max":  r.config.PerSecond,
		"minute_window_used": len(r.minuteWindow),
		"minute_window_max":  r.config.PerMinute,
	}
}
