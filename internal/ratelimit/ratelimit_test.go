package ratelimit

import (
	"testing"
	"time"
)

// fakeClock lets tests advance time manually.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := New(limit, window)
	l.now = clock.now
	return l, clock
}

func TestConsumeWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		ok, _ := l.Consume()
		if !ok {
			t.Fatalf("call %d rejected, want accepted", i+1)
		}
	}

	ok, retryIn := l.Consume()
	if ok {
		t.Fatal("4th call within window accepted, want rejected")
	}
	if retryIn <= 0 || retryIn > time.Second {
		t.Fatalf("retryIn = %v, want in (0, 1s]", retryIn)
	}
}

func TestConsumeRecoversAfterWindow(t *testing.T) {
	l, clock := newTestLimiter(2, time.Second)

	l.Consume()
	l.Consume()
	if ok, _ := l.Consume(); ok {
		t.Fatal("3rd call accepted, want rejected")
	}

	clock.advance(1100 * time.Millisecond)
	if ok, _ := l.Consume(); !ok {
		t.Fatal("call after window elapsed rejected, want accepted")
	}
}

func TestRetryInMatchesOldestEvent(t *testing.T) {
	l, clock := newTestLimiter(1, 10*time.Second)

	l.Consume()
	clock.advance(4 * time.Second)

	ok, retryIn := l.Consume()
	if ok {
		t.Fatal("want rejected")
	}
	if retryIn != 6*time.Second {
		t.Fatalf("retryIn = %v, want 6s", retryIn)
	}
}

func TestDisabledLimiterAlwaysAccepts(t *testing.T) {
	for _, l := range []*Limiter{New(0, time.Second), New(5, 0)} {
		for i := 0; i < 100; i++ {
			if ok, _ := l.Consume(); !ok {
				t.Fatal("disabled limiter rejected an event")
			}
		}
	}
}

func TestPartialWindowSlide(t *testing.T) {
	l, clock := newTestLimiter(2, 10*time.Second)

	l.Consume()
	clock.advance(6 * time.Second)
	l.Consume()

	// First event expires at t+10s; second at t+16s.
	clock.advance(5 * time.Second)
	if ok, _ := l.Consume(); !ok {
		t.Fatal("call after oldest event expired rejected, want accepted")
	}
	if ok, _ := l.Consume(); ok {
		t.Fatal("limit should be reached again")
	}
}
