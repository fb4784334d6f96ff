package relay

import (
	"sync"
	"time"
)

// RateLimiter caps how many inbound gateway events one websocket session may
// emit within a sliding window. A session exceeding it is disconnected rather
// than throttled, so the limiter only has to answer allow/deny.
type RateLimiter struct {
	mu sync.Mutex

	max    int
	window time.Duration

	// Admission times, oldest first. The gateway feeds wall-clock reads from
	// a single loop, so stamps stay sorted and expiry is a prefix scan.
	stamps []time.Time
}

// NewRateLimiter builds a limiter admitting at most max events per window.
// Non-positive arguments fall back to the gateway defaults.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		max:    max,
		window: window,
		stamps: make([]time.Time, 0, max),
	}
}

// Allow records an event at "now" and reports whether it fits the window.
func (l *RateLimiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	expired := 0
	for expired < len(l.stamps) && !l.stamps[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[expired:]...)
	}

	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}
