// Package backoff computes capped exponential delays.
package backoff

import "time"

// Exponential returns min(base * 2^attempt, maxDelay) for a zero-based
// attempt without overflowing for large attempts.
func Exponential(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d > maxDelay-d {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}
