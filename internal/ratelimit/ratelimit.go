// Package ratelimit provides a fixed-window request counter used to slow
// down credential guessing on the login endpoint.
//
// State is process-scoped: it is created at startup, never persisted, and
// resets on restart. A multi-instance deployment would need these counters
// promoted to a shared store, which this design leaves open.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	start time.Time
	count int
}

// Limiter counts requests per key inside a fixed window. Once the elapsed
// time since a bucket's start exceeds the window, the bucket resets.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	now     func() time.Time
	buckets map[string]*bucket
}

// New builds a limiter with the given window length and per-window cap.
func New(window time.Duration, max int) *Limiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	if max <= 0 {
		max = 30
	}
	return &Limiter{
		window:  window,
		max:     max,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Check counts one request against key and reports whether it is allowed
// and how many requests remain in the current window.
func (l *Limiter) Check(key string) (allowed bool, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) > l.window {
		l.buckets[key] = &bucket{start: now, count: 1}
		return true, l.max - 1
	}
	b.count++
	if b.count > l.max {
		return false, 0
	}
	return true, l.max - b.count
}
