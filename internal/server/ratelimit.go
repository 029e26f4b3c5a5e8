package server

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-key sliding window over the last minute.
type RateLimiter struct {
	mu      sync.Mutex
	perMin  int
	windows map[string][]time.Time
	now     func() time.Time
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimiter{
		perMin:  requestsPerMinute,
		windows: map[string][]time.Time{},
		now:     time.Now,
	}
}

// Allow records one request for keyID and reports whether it fits inside the
// window. A denied request is not recorded, so callers can retry after the
// oldest entry ages out.
func (l *RateLimiter) Allow(keyID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-time.Minute)
	window := l.windows[keyID]
	kept := window[:0]
	for _, at := range window {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= l.perMin {
		l.windows[keyID] = kept
		return false
	}
	l.windows[keyID] = append(kept, now)
	return true
}

// Remaining reports how many requests keyID may still make in the current
// window.
func (l *RateLimiter) Remaining(keyID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-time.Minute)
	count := 0
	for _, at := range l.windows[keyID] {
		if at.After(cutoff) {
			count++
		}
	}
	remaining := l.perMin - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
