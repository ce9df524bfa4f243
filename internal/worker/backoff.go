package worker

import (
	"math"
	"time"
)

// backoffDelay computes the wait before retry number attempt (1-based):
// base * 2^(attempt-1), capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if max > 0 && d > max {
		return max
	}
	return d
}
