package taskfeed

import (
	"context"
	"math/rand"
	"time"
)

// Classification decides whether a failed operation is worth another
// attempt. Terminal errors (permission denied, malformed input) surface
// unchanged and immediately.
type Classification int

const (
	Retryable Classification = iota
	Terminal
)

// Classifier maps an error to a Classification. A nil classifier treats
// every error as retryable.
type Classifier func(error) Classification

// RetryPolicy wraps a fallible operation with bounded exponential backoff
// and jitter. The delay before attempt k is base*2^(k-1) plus a random
// jitter in [0, base), capped at MaxDelay, so retries across sessions do not
// synchronize into storms.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// rand is overridable for deterministic tests; nil uses math/rand.
	rand func() float64
}

// DefaultRetryPolicy returns the uniform policy used for every I/O operation
// performed inside an aggregation run. The numbers are tunable, not
// load-bearing.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Do attempts op until it succeeds, is classified terminal, the context is
// canceled, or attempts are exhausted. Exhaustion returns the last error
// wrapped in a RetryExhaustedError carrying the attempt count.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, classify Classifier) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := waitWithContext(ctx, p.delay(attempt)); err != nil {
				return err
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if classify != nil && classify(lastErr) == Terminal {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return &RetryExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// delay computes the backoff before the given attempt (attempt >= 2).
func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	delay := base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	jitter := time.Duration(p.random() * float64(base))
	delay += jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func (p RetryPolicy) random() float64 {
	if p.rand != nil {
		return p.rand()
	}
	return rand.Float64()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
