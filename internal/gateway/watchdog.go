package gateway

import (
	"sync"
	"time"
)

// Watchdog closes idle connections. Touch is called for every inbound frame
// and every streamed token; a background loop wakes on each tick and fires
// onTimeout once when the idle window elapses.
type Watchdog struct {
	timeout   time.Duration
	tick      time.Duration
	onTimeout func()

	mu       sync.Mutex
	last     time.Time
	timedOut bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWatchdog creates a watchdog; Run must be started by the caller. A zero
// or negative timeout disables it.
func NewWatchdog(timeout, tick time.Duration, onTimeout func()) *Watchdog {
	if tick <= 0 {
		tick = time.Second
	}
	return &Watchdog{
		timeout:   timeout,
		tick:      tick,
		onTimeout: onTimeout,
		last:      time.Now(),
		stop:      make(chan struct{}),
	}
}

// Touch records activity.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
}

// IdleTimedOut reports whether the watchdog fired.
func (w *Watchdog) IdleTimedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timedOut
}

// Stop cancels the loop. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Run loops until the connection goes idle or Stop is called.
func (w *Watchdog) Run() {
	if w.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			idle := time.Since(w.last) >= w.timeout
			if idle {
				w.timedOut = true
			}
			w.mu.Unlock()
			if idle {
				w.onTimeout()
				return
			}
		}
	}
}
