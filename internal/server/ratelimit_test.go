package server

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	limiter := NewRateLimiter(2)
	current := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return current }

	if !limiter.Allow("key-a") {
		t.Fatalf("first request should pass")
	}
	if !limiter.Allow("key-a") {
		t.Fatalf("second request should pass")
	}
	if limiter.Allow("key-a") {
		t.Fatalf("third request inside the window should be limited")
	}
	if limiter.Remaining("key-a") != 0 {
		t.Fatalf("expected 0 remaining, got %d", limiter.Remaining("key-a"))
	}
	// other keys have independent windows
	if !limiter.Allow("key-b") {
		t.Fatalf("separate key should not be limited")
	}

	current = current.Add(61 * time.Second)
	if !limiter.Allow("key-a") {
		t.Fatalf("request after window expiry should pass")
	}
	if limiter.Remaining("key-a") != 1 {
		t.Fatalf("expected 1 remaining after expiry, got %d", limiter.Remaining("key-a"))
	}
}
