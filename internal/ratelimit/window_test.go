package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFixedWindow_EnforcesLimitWithinWindow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewFixedWindow(clk, time.Minute)

	if !w.Allow("ep", 2) {
		t.Fatalf("first attempt denied")
	}
	if !w.Allow("ep", 2) {
		t.Fatalf("second attempt denied")
	}
	if w.Allow("ep", 2) {
		t.Fatalf("third attempt allowed within window")
	}
}

func TestFixedWindow_ResetsAfterWindow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewFixedWindow(clk, time.Minute)

	w.Allow("ep", 2)
	w.Allow("ep", 2)
	if w.Allow("ep", 2) {
		t.Fatalf("limit not enforced")
	}

	clk.Advance(61 * time.Second)
	if !w.Allow("ep", 2) {
		t.Fatalf("attempt denied after window reset")
	}
}

func TestFixedWindow_ZeroLimitIsUnlimited(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewFixedWindow(clk, time.Minute)

	for i := 0; i < 1000; i++ {
		if !w.Allow("ep", 0) {
			t.Fatalf("attempt %d denied with zero limit", i)
		}
	}
	if got := w.Len(); got != 0 {
		t.Fatalf("unlimited keys must not allocate buckets, Len=%d", got)
	}
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewFixedWindow(clk, time.Minute)

	if !w.Allow("a", 1) {
		t.Fatalf("a denied")
	}
	if w.Allow("a", 1) {
		t.Fatalf("a allowed past limit")
	}
	if !w.Allow("b", 1) {
		t.Fatalf("b denied; buckets must be per key")
	}
}

func TestFixedWindow_EvictExpired(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	w := NewFixedWindow(clk, time.Minute)

	w.Allow("a", 5)
	w.Allow("b", 5)
	if got := w.Len(); got != 2 {
		t.Fatalf("Len=%d, want 2", got)
	}

	if got := w.EvictExpired(); got != 0 {
		t.Fatalf("EvictExpired=%d before expiry, want 0", got)
	}

	clk.Advance(2 * time.Minute)
	if got := w.EvictExpired(); got != 2 {
		t.Fatalf("EvictExpired=%d, want 2", got)
	}
	if got := w.Len(); got != 0 {
		t.Fatalf("Len=%d after eviction, want 0", got)
	}
}
