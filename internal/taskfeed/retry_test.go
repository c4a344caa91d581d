package taskfeed

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryDoSucceedsAfterTransientFailures(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryDoExhaustionWrapsLastError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	last := errors.New("still down")
	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return last
	}, nil)
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("expected Attempts=3, got %d", exhausted.Attempts)
	}
	if !errors.Is(err, last) {
		t.Fatal("exhaustion error must unwrap to the last attempt's error")
	}
}

func TestRetryDoTerminalShortCircuits(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return ErrPermissionDenied
	}, DefaultClassifier)
	if attempts != 1 {
		t.Fatalf("terminal error must not be retried, got %d attempts", attempts)
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected the terminal error unchanged, got %v", err)
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatal("terminal error must not be wrapped as exhaustion")
	}
}

func TestRetryDoStopsOnContextCancel(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	errOp := errors.New("flaky")
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		return errOp
	}, nil)
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if attempts >= 10 {
		t.Fatalf("cancellation must stop the loop early, got %d attempts", attempts)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancellation took too long: %s", elapsed)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 2 * time.Second

	// jitter pinned to zero: pure exponential ladder
	zero := RetryPolicy{MaxAttempts: 5, BaseDelay: base, MaxDelay: maxDelay, rand: func() float64 { return 0 }}
	if got := zero.delay(2); got != base {
		t.Fatalf("attempt 2: expected %s, got %s", base, got)
	}
	if got := zero.delay(3); got != 2*base {
		t.Fatalf("attempt 3: expected %s, got %s", 2*base, got)
	}
	if got := zero.delay(4); got != 4*base {
		t.Fatalf("attempt 4: expected %s, got %s", 4*base, got)
	}

	// jitter pinned near one: at most base below the cap
	high := RetryPolicy{MaxAttempts: 5, BaseDelay: base, MaxDelay: maxDelay, rand: func() float64 { return 0.999 }}
	for attempt := 2; attempt <= 8; attempt++ {
		got := high.delay(attempt)
		if got > maxDelay {
			t.Fatalf("attempt %d: delay %s exceeds cap %s", attempt, got, maxDelay)
		}
		if got < base {
			t.Fatalf("attempt %d: delay %s below base %s", attempt, got, base)
		}
	}
}

func TestRetryDoZeroAttemptsUsesDefault(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("nope")
	}, nil)
	if attempts != 3 {
		t.Fatalf("expected 3 default attempts, got %d", attempts)
	}
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
}
