package relay

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("event over the limit must be denied")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatalf("events within the limit should be allowed")
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("still inside the window: must be denied")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("window has slid past the old events: must be allowed")
	}
}

func TestRateLimiterInvalidInputsGetDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for i := 0; i < rateLimitEvents; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed under the default limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("default limit must still be enforced")
	}
}
