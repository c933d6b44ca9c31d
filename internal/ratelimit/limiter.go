// Package ratelimit bounds how many challenges an identity can be issued per
// window. Counters are shared mutable state; increments are atomic under one
// mutex, and stale window buckets can be pruned to bound memory.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window counter per identity.
type Limiter struct {
	window time.Duration
	limit  int

	mu      sync.Mutex
	buckets map[string]map[int64]int
	nowF    func() time.Time
}

// NewLimiter returns a limiter allowing limit events per identity per window.
// A non-positive limit disables limiting (Allow always succeeds); a
// non-positive window falls back to one minute.
func NewLimiter(limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		window:  window,
		limit:   limit,
		buckets: make(map[string]map[int64]int),
		nowF:    time.Now,
	}
}

// Allow reports whether n more events fit in the identity's current window
// and, if so, counts them. Check and increment happen under one lock so
// concurrent callers cannot both spend the same budget.
func (l *Limiter) Allow(identityID string, n int) bool {
	if l.limit <= 0 {
		return true
	}
	bucket := l.nowF().UnixNano() / int64(l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[identityID]
	if b == nil {
		b = make(map[int64]int)
		l.buckets[identityID] = b
	}
	if b[bucket]+n > l.limit {
		return false
	}
	b[bucket] += n
	return true
}

// Prune drops buckets older than the current window. Advisory: correctness
// does not depend on it, only memory use.
func (l *Limiter) Prune() {
	current := l.nowF().UnixNano() / int64(l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		for bucket := range b {
			if bucket < current {
				delete(b, bucket)
			}
		}
		if len(b) == 0 {
			delete(l.buckets, id)
		}
	}
}
