// Package ratelimit provides a sliding-window admission counter.
//
// A Limiter is owned by exactly one goroutine (the per-connection reader
// loop, or a session's dispatch path) and is therefore unsynchronized.
package ratelimit

import "time"

// Limiter rejects events once more than limit of them have been observed
// within the trailing window. A limiter with limit <= 0 or window <= 0 is
// disabled and accepts everything.
type Limiter struct {
	limit  int
	window time.Duration
	events []time.Time
	now    func() time.Time
}

// New creates a sliding-window limiter.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Consume records one event. It returns true if the event is admitted, or
// false plus the duration until the oldest in-window event expires.
func (l *Limiter) Consume() (bool, time.Duration) {
	if l.limit <= 0 || l.window <= 0 {
		return true, 0
	}

	now := l.now()
	cutoff := now.Add(-l.window)

	// Evict events that have slid out of the window.
	i := 0
	for i < len(l.events) && !l.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}

	if len(l.events) < l.limit {
		l.events = append(l.events, now)
		return true, 0
	}

	return false, l.events[0].Add(l.window).Sub(now)
}
