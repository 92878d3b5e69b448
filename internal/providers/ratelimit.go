package providers

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a requests-per-minute token bucket.
type RateLimiter struct {
	mu sync.Mutex

	rpm        int
	tokens     float64
	lastUpdate time.Time

	// blockedUntil is set by Record429 when the provider asked us to back off.
	blockedUntil time.Time

	totalConsumed int64
	totalWaited   time.Duration
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable int           `json:"tokens_available"`
	TokensLimit     int           `json:"tokens_limit"`
	TotalConsumed   int64         `json:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited"`
	BlockedFor      time.Duration `json:"blocked_for,omitempty"`
}

// NewRateLimiter creates a limiter allowing rpm requests per minute, starting full.
func NewRateLimiter(rpm int) *RateLimiter {
	if rpm <= 0 {
		rpm = 150
	}
	return &RateLimiter{
		rpm:        rpm,
		tokens:     float64(rpm),
		lastUpdate: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait := r.reserve()
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			r.mu.Lock()
			r.totalWaited += wait
			r.mu.Unlock()
		}
	}
}

// reserve takes a token if one is available and returns 0, otherwise it
// returns how long to wait before trying again.
func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.blockedUntil) {
		return r.blockedUntil.Sub(now)
	}
	r.refill(now)
	if r.tokens >= 1 {
		r.tokens--
		r.totalConsumed++
		return 0
	}
	perToken := time.Minute / time.Duration(r.rpm)
	return time.Duration((1 - r.tokens) * float64(perToken))
}

// TryConsume takes a token without blocking.
func (r *RateLimiter) TryConsume() bool {
	return r.reserve() == 0
}

// Record429 drains the bucket and, when the provider sent Retry-After,
// blocks all callers until it has passed.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = 0
	if retryAfter > 0 {
		r.blockedUntil = time.Now().Add(retryAfter)
	}
}

// Status returns current limiter status.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.refill(now)
	var blocked time.Duration
	if now.Before(r.blockedUntil) {
		blocked = r.blockedUntil.Sub(now)
	}
	return RateLimiterStatus{
		TokensAvailable: int(r.tokens),
		TokensLimit:     r.rpm,
		TotalConsumed:   r.totalConsumed,
		TotalWaited:     r.totalWaited,
		BlockedFor:      blocked,
	}
}

// refill must be called with the lock held.
func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastUpdate)
	r.lastUpdate = now
	r.tokens += elapsed.Minutes() * float64(r.rpm)
	if r.tokens > float64(r.rpm) {
		r.tokens = float64(r.rpm)
	}
}
