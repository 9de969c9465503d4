package ratelimit

import (
	"sync"
	"sync/atomic"
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestEleventhCallIsRejected(t *testing.T) {
	clock := newClock()
	l := New(10, time.Minute, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		if !l.Admit("10.0.0.1") {
			t.Fatalf("call %d should be admitted", i+1)
		}
		clock.Advance(time.Second)
	}
	if l.Admit("10.0.0.1") {
		t.Fatal("11th call within the window should be rejected")
	}
	if !l.Admit("10.0.0.2") {
		t.Fatal("other clients are tracked independently")
	}
}

func TestWindowSlides(t *testing.T) {
	clock := newClock()
	l := New(2, time.Minute, WithClock(clock.Now))

	if !l.Admit("c") || !l.Admit("c") {
		t.Fatal("first two calls should be admitted")
	}
	if l.Admit("c") {
		t.Fatal("third call should be rejected")
	}
	clock.Advance(59 * time.Second)
	if l.Admit("c") {
		t.Fatal("still inside the window")
	}
	clock.Advance(time.Second)
	if !l.Admit("c") {
		t.Fatal("expected admission once the oldest calls age out")
	}
	if got := l.Remaining("c"); got != 1 {
		t.Fatalf("expected 1 remaining, got %d", got)
	}
}

func TestRejectedCallsAreNotRecorded(t *testing.T) {
	clock := newClock()
	l := New(1, time.Minute, WithClock(clock.Now))

	l.Admit("c")
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		l.Admit("c")
	}
	clock.Advance(11 * time.Second)
	if !l.Admit("c") {
		t.Fatal("rejected calls must not extend the window")
	}
}

func TestIdleClientsAreSwept(t *testing.T) {
	clock := newClock()
	l := New(5, time.Minute, WithClock(clock.Now))

	l.Admit("a")
	l.Admit("b")
	if l.Clients() != 2 {
		t.Fatalf("expected 2 clients, got %d", l.Clients())
	}
	clock.Advance(2 * time.Minute)
	l.Admit("c")
	if l.Clients() != 1 {
		t.Fatalf("expected idle clients swept, got %d", l.Clients())
	}
}

func TestZeroLimitDisables(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Admit("c") {
			t.Fatal("expected unlimited admission")
		}
	}
}

func TestConcurrentAdmitNeverExceedsLimit(t *testing.T) {
	l := New(10, time.Minute)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("shared") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 10 {
		t.Fatalf("expected exactly 10 admissions, got %d", admitted.Load())
	}
}
