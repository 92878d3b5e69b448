package workers

import (
	"math"
	"time"
)

// MaxBackoff caps the delay between conversion attempts.
const MaxBackoff = 30 * time.Second

// Backoff returns the delay before retry number attempt (0-based):
// base * 2^attempt, doubled when rate limited, stretched by (1 + jitter).
// jitter is expected in [0, 0.25).
func Backoff(base time.Duration, attempt int, rateLimited bool, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if rateLimited {
		d *= 2
	}
	d *= 1 + jitter
	if d >= float64(MaxBackoff) || math.IsInf(d, 1) {
		return MaxBackoff
	}
	return time.Duration(d)
}
