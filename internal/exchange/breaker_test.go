package exchange

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(&BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         30 * time.Second,
	})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures, want threshold 5", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s after 5 failures, want open", b.State())
	}

	err := b.Allow()
	if err == nil {
		t.Fatal("Allow() = nil while open, want circuit_open error")
	}
	if KindOf(err) != KindCircuitOpen {
		t.Fatalf("kind = %s, want circuit_open", KindOf(err))
	}

	reason, _ := b.GetStats()["trip_reason"].(string)
	if reason == "" {
		t.Error("trip reason not recorded in stats")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(&BreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		FailureWindow:    time.Minute,
		Cooldown:         10 * time.Millisecond,
	})
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	time.Sleep(15 * time.Millisecond)

	// First call after cooldown is the probe
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	// Second concurrent call must be rejected while the probe is in flight
	if err := b.Allow(); err == nil {
		t.Fatal("second call admitted during half-open probe")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s after successful probe, want closed", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after recovery: %v", err)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker(&BreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		Cooldown:         5 * time.Millisecond,
	})
	b.RecordFailure()
	time.Sleep(10 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s after failed probe, want open", b.State())
	}
}

func TestBreakerWindowExpiryResetsCount(t *testing.T) {
	b := NewBreaker(&BreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		FailureWindow:    20 * time.Millisecond,
		Cooldown:         time.Second,
	})
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	// Window elapsed; these two start a fresh count
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed (failures outside window)", b.State())
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := RateLimited(2 * time.Second)

	if !errors.Is(err, &Error{Kind: KindRateLimit}) {
		t.Fatal("errors.Is failed to match on kind")
	}
	if !IsRetryable(err) {
		t.Fatal("rate limit error should be retryable")
	}
	if IsFatal(err) {
		t.Fatal("rate limit error should not be fatal")
	}

	authErr := NewError(KindAuth, "bad signature")
	if !IsFatal(authErr) {
		t.Fatal("auth error should be fatal")
	}
	if IsRetryable(authErr) {
		t.Fatal("auth error should not be retryable")
	}
}
