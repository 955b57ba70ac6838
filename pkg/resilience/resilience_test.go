package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}
	calls := 0
	err := p.Do(func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicyReturnsLastError(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}
	calls := 0
	err := p.DoContext(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil || err.Error() != "down" {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryPolicyHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxRetries: 5, Backoff: time.Millisecond}
	calls := 0
	err := p.DoContext(ctx, func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Fatalf("expected cancellation before first call, got err=%v calls=%d", err, calls)
	}
}

func TestCircuitBreakerOpensOnRateLimits(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.SetClock(func() time.Time { return now })

	cb.OnError(errors.New("plain failure"))
	cb.OnError(RateLimitError{Provider: "openai"})
	if !cb.Allow() {
		t.Fatalf("breaker should stay closed below threshold")
	}
	cb.OnError(RateLimitError{Provider: "openai"})
	if cb.Allow() {
		t.Fatalf("breaker should be open")
	}
	now = now.Add(61 * time.Second)
	if !cb.Allow() {
		t.Fatalf("breaker should close after cooldown")
	}
	cb.OnSuccess()
}

func TestCircuitBreakerCountAllErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute).CountAllErrors(true)
	cb.OnError(errors.New("timeout"))
	if cb.Allow() {
		t.Fatalf("expected breaker open after generic failure")
	}
}
