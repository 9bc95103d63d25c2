package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestAcquireWithinBudgetDoesNotBlock(t *testing.T) {
	gate := NewGate(600)

	start := time.Now()
	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("first acquire should be immediate, took %s", elapsed)
	}
}

func TestObserve429OpensThrottleWindow(t *testing.T) {
	gate := NewGate(600)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	gate.Now = func() time.Time { return now }

	header := http.Header{}
	header.Set("Retry-After", "30")
	gate.Observe(http.StatusTooManyRequests, header)

	gate.mu.Lock()
	until := gate.throttledUntil
	gate.mu.Unlock()
	if got := until.Sub(now); got != 30*time.Second {
		t.Fatalf("expected 30s throttle window, got %s", got)
	}
}

func TestObserve429WithoutHeaderBacksOff(t *testing.T) {
	gate := NewGate(600)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	gate.Now = func() time.Time { return now }

	gate.Observe(http.StatusTooManyRequests, http.Header{})
	gate.mu.Lock()
	first := gate.throttledUntil.Sub(now)
	gate.mu.Unlock()

	gate.Observe(http.StatusTooManyRequests, http.Header{})
	gate.mu.Lock()
	second := gate.throttledUntil.Sub(now)
	gate.mu.Unlock()

	if first != time.Second {
		t.Fatalf("expected 1s initial backoff, got %s", first)
	}
	if second != 2*time.Second {
		t.Fatalf("expected doubled backoff, got %s", second)
	}
}

func TestObserveSuccessClosesWindow(t *testing.T) {
	gate := NewGate(600)
	header := http.Header{}
	header.Set("Retry-After", "60")
	gate.Observe(http.StatusTooManyRequests, header)
	gate.Observe(http.StatusOK, http.Header{})

	gate.mu.Lock()
	until := gate.throttledUntil
	attempts := gate.attempts
	gate.mu.Unlock()
	if !until.IsZero() || attempts != 0 {
		t.Fatalf("success must clear throttle, got until=%v attempts=%d", until, attempts)
	}
}

func TestAcquireWaitsOutThrottleWindow(t *testing.T) {
	gate := NewGate(600)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	gate.Now = func() time.Time { return now }

	var slept time.Duration
	gate.Sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	header := http.Header{}
	header.Set("Retry-After", "5")
	gate.Observe(http.StatusTooManyRequests, header)

	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if slept != 5*time.Second {
		t.Fatalf("expected 5s wait before request, got %s", slept)
	}
}

func TestAcquireHonorsCancelledContext(t *testing.T) {
	gate := NewGate(1) // one request per minute, burst 1

	ctx, cancel := context.WithCancel(context.Background())
	if err := gate.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	cancel()
	if err := gate.Acquire(ctx); err == nil {
		t.Fatal("expected cancelled context error")
	}
}
