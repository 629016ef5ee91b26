package syncer

import (
	"math"
	"time"
)

// RetryPolicy defines the attempt cutoff and exponential backoff.
// MaxAttempts counts total tries: the default of 4 means one initial
// dispatch plus three retries.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy matches the production cutoff and backoff curve:
// delays of 2s, 4s, 8s capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   4,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// NextDelay returns the backoff delay after the given number of failed
// attempts, with clamping. attempts is the post-increment count, so the
// first retry (attempts=1) waits InitialDelay*Factor.
func (r RetryPolicy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempts))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Exhausted reports whether an entry with the given attempt count has
// used up its tries.
func (r RetryPolicy) Exhausted(attempts int) bool {
	max := r.MaxAttempts
	if max <= 0 {
		max = 4
	}
	return attempts >= max
}
