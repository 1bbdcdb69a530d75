package realtime

import (
	"testing"
	"time"
)

// TestManager_BackoffDelay_GrowsExponentiallyAndCaps covers spec §4.4's
// reconnect formula directly: min(base·2^(retry-1), 30s).
func TestManager_BackoffDelay_GrowsExponentiallyAndCaps(t *testing.T) {
	m := &Manager{reconnectDelay: time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second}, // clamped to attempt 1
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 6, want: 30 * time.Second}, // 32s would overflow the cap
		{attempt: 7, want: 30 * time.Second},
		{attempt: 100, want: 30 * time.Second}, // unbounded retries never overflow
	}
	for _, c := range cases {
		if got := m.backoffDelay(c.attempt); got != c.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

// TestManager_BackoffDelay_GrowsAcrossConsecutiveFailures asserts the
// sequence of delays a caller would see across repeated failures is
// strictly increasing until it hits the 30s cap, not a flat reconnectDelay.
func TestManager_BackoffDelay_GrowsAcrossConsecutiveFailures(t *testing.T) {
	m := &Manager{reconnectDelay: 500 * time.Millisecond}

	var prev time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		d := m.backoffDelay(attempt)
		if d <= prev {
			t.Fatalf("attempt %d: delay %v did not grow past previous delay %v", attempt, d, prev)
		}
		prev = d
	}
}
