package downstream

import (
	"math"
	"math/rand"
	"time"
)

// backoffPolicy computes bounded exponential backoff with jitter for
// streaming HTTP reconnects. Adapted from the teacher's A2A retry package's
// calculateBackoff, trimmed to the single concern the downstream pool needs:
// how long to wait before the next reconnect attempt.
type backoffPolicy struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
}

func defaultBackoffPolicy() backoffPolicy {
	return backoffPolicy{
		initial:    500 * time.Millisecond,
		max:        30 * time.Second,
		multiplier: 2.0,
		jitter:     0.1,
	}
}

// delay returns the wait before reconnect attempt n (1-indexed).
func (p backoffPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.initial) * math.Pow(p.multiplier, float64(attempt-1))
	if d > float64(p.max) {
		d = float64(p.max)
	}
	if p.jitter > 0 {
		d += d * p.jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter, not a security boundary
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
