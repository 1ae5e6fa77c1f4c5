package batch

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

// RetryPolicy decides whether a failed lookup is attempted again and how long to wait first.
type RetryPolicy interface {
	ShouldRetry(result pnr.StatusResult, attempt int) bool
	Backoff(attempt int) time.Duration
}

// FixedRetryPolicy retries transport failures with a constant delay.
type FixedRetryPolicy struct {
	maxRetries int
	delay      time.Duration
}

// NewFixedRetryPolicy allows maxRetries retries spaced by delay.
func NewFixedRetryPolicy(maxRetries int, delay time.Duration) *FixedRetryPolicy {
	return &FixedRetryPolicy{maxRetries: maxRetries, delay: delay}
}

// ShouldRetry reports whether attempt (1-based count of attempts made) may be followed by another.
func (p *FixedRetryPolicy) ShouldRetry(result pnr.StatusResult, attempt int) bool {
	return shouldRetry(result, attempt, p.maxRetries)
}

// Backoff returns the fixed delay.
func (p *FixedRetryPolicy) Backoff(int) time.Duration {
	return p.delay
}

// ExponentialRetryPolicy doubles the delay per attempt with jitter, capped at maxDelay.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a jittered exponential policy.
func NewExponentialRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialRetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// ShouldRetry reports whether attempt may be followed by another.
func (p *ExponentialRetryPolicy) ShouldRetry(result pnr.StatusResult, attempt int) bool {
	return shouldRetry(result, attempt, p.maxRetries)
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func shouldRetry(result pnr.StatusResult, attempt, maxRetries int) bool {
	if !result.Retryable() {
		return false
	}
	return attempt <= maxRetries
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
