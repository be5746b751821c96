package handlers

import (
	"strings"
	"sync"
	"time"
)

type rateLimiter interface {
	Allow(key string) bool
}

// fixedWindowLimiter counts requests per identity in fixed windows. Transform
// calls are expensive downstream, so the window is enforced before any gate
// lookup happens.
type fixedWindowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]*windowEntry
}

type windowEntry struct {
	count int
	reset time.Time
}

// NewRateLimiter builds a per-identity fixed window limiter. A non-positive
// limit or window disables limiting.
func NewRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &fixedWindowLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]*windowEntry),
	}
}

func (l *fixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = bucketKey(key)
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry := l.store[key]; entry != nil && !now.After(entry.reset) {
		if entry.count >= l.limit {
			return false
		}
		entry.count++
		return true
	}

	// Opening a fresh window is the cheap moment to clear stale buckets.
	l.dropStaleLocked(now)
	l.store[key] = &windowEntry{count: 1, reset: now.Add(l.window)}
	return true
}

func (l *fixedWindowLimiter) dropStaleLocked(now time.Time) {
	for key, entry := range l.store {
		if now.After(entry.reset) {
			delete(l.store, key)
		}
	}
}

// bucketKey lumps unauthenticated callers into one shared bucket.
func bucketKey(key string) string {
	if key = strings.TrimSpace(key); key == "" {
		return "anonymous"
	}
	return key
}
