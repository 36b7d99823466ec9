package exchange

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterSecondWindow(t *testing.T) {
	r := NewRateLimiter(&RateLimiterConfig{PerSecond: 3, PerMinute: 100})

	for i := 0; i < 3; i++ {
		ok, _ := r.TryAcquire()
		if !ok {
			t.Fatalf("request %d denied, want admitted", i+1)
		}
	}
	ok, wait := r.TryAcquire()
	if ok {
		t.Fatal("4th request within a second admitted, want denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("wait = %v, want in (0, 1s]", wait)
	}
}

func TestRateLimiterMinuteWindowBinds(t *testing.T) {
	r := NewRateLimiter(&RateLimiterConfig{PerSecond: 100, PerMinute: 2})

	r.TryAcquire()
	r.TryAcquire()
	ok, wait := r.TryAcquire()
	if ok {
		t.Fatal("request admitted past the minute window")
	}
	if wait <= time.Second {
		t.Fatalf("wait = %v, want driven by the minute window", wait)
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	r := NewRateLimiter(&RateLimiterConfig{PerSecond: 1, PerMinute: 100})

	if ok, _ := r.TryAcquire(); !ok {
		t.Fatal("first request denied")
	}
	if ok, _ := r.TryAcquire(); ok {
		t.Fatal("second request admitted inside the same second")
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, _ := r.TryAcquire(); !ok {
		t.Fatal("request denied after the window slid")
	}
}

func TestWaitForSlotHonorsContext(t *testing.T) {
	r := NewRateLimiter(&RateLimiterConfig{PerSecond: 1, PerMinute: 1})
	r.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := r.WaitForSlot(ctx); err == nil {
		t.Fatal("WaitForSlot returned nil on cancelled context")
	}
}
