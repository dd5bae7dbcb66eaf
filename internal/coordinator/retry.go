package coordinator

import (
	"math"
	"time"

	"marketsync/internal/remoteui"
)

// RetryPolicy decides whether and when a failed reconciliation is retried.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
	}
}

// Delay is the wait before retry n (0-based): BaseDelay * Multiplier^n, capped
// at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(max(n, 0)))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether a run that already used n retries and failed
// with err gets another one.
func (p RetryPolicy) ShouldRetry(n int, err error) bool {
	return n < p.MaxRetries && remoteui.IsTransient(err)
}
