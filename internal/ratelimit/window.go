// Package ratelimit implements the fixed-window admission counter used for
// per-endpoint request rate limiting.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the admission rate window: limits are expressed in
// requests per minute.
const DefaultWindow = time.Minute

// FixedWindow counts admission attempts per key within a fixed window.
//
// The first attempt in a window sets the window start; once the window
// elapses the counter resets. The boundary behavior is intentionally simple:
// up to limit attempts may pass in any single window, so a burst straddling a
// boundary can briefly see up to 2*limit-1 across 60 s of wall time.
type FixedWindow struct {
	clock  Clock
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*windowBucket
}

type windowBucket struct {
	start time.Time
	count int
}

func NewFixedWindow(clock Clock, window time.Duration) *FixedWindow {
	if clock == nil {
		clock = RealClock{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &FixedWindow{
		clock:   clock,
		window:  window,
		buckets: make(map[string]*windowBucket),
	}
}

// Allow records an attempt for key and reports whether it is within limit.
// A limit <= 0 means unlimited and records nothing.
func (w *FixedWindow) Allow(key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.buckets[key]
	if !ok {
		b = &windowBucket{start: now}
		w.buckets[key] = b
	}
	if now.Sub(b.start) > w.window {
		b.start = now
		b.count = 0
	}
	b.count++
	return b.count <= limit
}

// EvictExpired drops buckets whose window has elapsed. Called periodically by
// the session reaper so idle endpoints do not accumulate state.
func (w *FixedWindow) EvictExpired() int {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	evicted := 0
	for key, b := range w.buckets {
		if now.Sub(b.start) > w.window {
			delete(w.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live buckets.
func (w *FixedWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buckets)
}
