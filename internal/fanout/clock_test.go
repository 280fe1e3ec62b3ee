package fanout

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for deterministic timer tests.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	when    time.Time
	f       func()
	fired   bool
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and fires due timers in deadline order.
// Callbacks run on the calling goroutine, outside the clock lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	for {
		var due *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.when.After(c.now) {
				continue
			}
			if due == nil || t.when.Before(due.when) {
				due = t
			}
		}
		if due == nil {
			break
		}
		due.fired = true
		c.mu.Unlock()
		due.f()
		c.mu.Lock()
	}
	c.mu.Unlock()
}

// identityRand keeps the Fisher–Yates shuffle a no-op, so ordering tests see
// registration order for the randomized remainder.
type identityRand struct{}

func (identityRand) Intn(n int) int { return n - 1 }

func TestShuffleIdentityRand(t *testing.T) {
	xs := []int{1, 2, 3, 4}
	shuffle(identityRand{}, xs)
	for i, v := range xs {
		if v != i+1 {
			t.Fatalf("identity shuffle moved elements: %v", xs)
		}
	}
}

func TestShuffleScriptedRand(t *testing.T) {
	// Fisher–Yates with j=0 at every step: each element swaps to the front.
	xs := []string{"a", "b", "c"}
	shuffle(scriptedRand{}, xs)
	// i=2: swap xs[2],xs[0] → c b a; i=1: swap xs[1],xs[0] → b c a
	want := []string{"b", "c", "a"}
	for i := range want {
		if xs[i] != want[i] {
			t.Fatalf("shuffle order = %v, want %v", xs, want)
		}
	}
}

type scriptedRand struct{}

func (scriptedRand) Intn(int) int { return 0 }
