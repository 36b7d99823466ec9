package exchange

import (
	"testing"
)

func TestReconnectDelayBoundsAndSaturation(t *testing.T) {
	s := &Stream{config: DefaultStreamConfig("wss://example")}

	base := s.config.ReconnectBase
	max := s.config.MaxReconnectDelay

	// Long outages keep incrementing the attempt counter; the delay must
	// stay positive and capped no matter how high it climbs.
	for attempt := 1; attempt <= 200; attempt++ {
		delay := s.reconnectDelay(attempt)
		if delay <= 0 {
			t.Fatalf("attempt %d: delay %v is not positive", attempt, delay)
		}
		// 20% jitter band around the capped exponential
		if delay > max+max/10 {
			t.Fatalf("attempt %d: delay %v exceeds cap %v plus jitter", attempt, delay, max)
		}
	}

	// First attempt stays within the jitter band of the base delay
	for i := 0; i < 50; i++ {
		delay := s.reconnectDelay(1)
		if delay < base-base/10 || delay > base+base/10 {
			t.Fatalf("attempt 1: delay %v outside jitter band of base %v", delay, base)
		}
	}
}
