package agent

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("expected first two requests to pass")
	}
	if rl.Allow("a") {
		t.Fatal("expected third request inside window to be rejected")
	}
	if !rl.Allow("b") {
		t.Fatal("expected other client to be unaffected")
	}

	clock = clock.Add(61 * time.Second)
	if !rl.Allow("a") {
		t.Fatal("expected request after window to pass")
	}
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }
	rl.Allow("idle")

	clock = clock.Add(2 * time.Minute)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.requests["idle"]; ok {
		t.Fatal("expected idle key to be evicted")
	}
}
