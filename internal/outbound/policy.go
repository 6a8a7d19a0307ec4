package outbound

import (
	"math"
	"time"
)

// RetryPolicy controls how a message is retried after a failed delivery. It
// is copied into each message at enqueue time, so later policy changes never
// affect messages already queued.
type RetryPolicy struct {
	// MaxRetries caps delivery attempts; a message is dropped as failed once
	// its retry count reaches it.
	MaxRetries int
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// BackoffMultiplier grows the delay per retry when Exponential is set.
	BackoffMultiplier float64
	// MaxDelay clamps the computed exponential delay.
	MaxDelay time.Duration
	// Exponential selects exponential backoff; otherwise every retry waits
	// BaseDelay.
	Exponential bool
}

// DefaultRetryPolicy suits routine traffic such as status updates.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		Exponential:       true,
	}
}

// CriticalRetryPolicy retries harder and sooner, for alerts and command
// responses that must arrive promptly.
func CriticalRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        5,
		BaseDelay:         500 * time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxDelay:          10 * time.Second,
		Exponential:       true,
	}
}

// retryDelay computes the wait before the next attempt, where retryCount is
// the number of failures so far, at least 1. The first retry always waits
// BaseDelay; subsequent ones grow by BackoffMultiplier, clamped to MaxDelay.
func retryDelay(p RetryPolicy, retryCount int) time.Duration {
	delay := p.BaseDelay
	if p.Exponential && retryCount > 1 {
		d := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount-1))
		delay = time.Duration(d)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}
