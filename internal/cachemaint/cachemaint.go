// Package cachemaint rate-limits engine cache resets. Prefix caches on the
// model runtime go stale as clients come and go; the maintainer lets any
// caller ask for a reset while guaranteeing the engine sees at most one per
// interval, with a force escape hatch for the last-disconnect case.
package cachemaint

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/voxalab/voxgate/internal/engine"
)

// Maintainer is the process-wide reset trigger.
type Maintainer struct {
	eng      engine.Engine
	interval time.Duration

	mu        sync.Mutex
	lastReset time.Time
	now       func() time.Time

	reschedule chan struct{}
}

// New creates a Maintainer. A zero or negative interval disables the rate
// guard and the periodic daemon, leaving only forced resets.
func New(eng engine.Engine, interval time.Duration) *Maintainer {
	return &Maintainer{
		eng:        eng,
		interval:   interval,
		now:        time.Now,
		reschedule: make(chan struct{}, 1),
	}
}

// TryReset asks the engine to drop its caches unless one happened within the
// interval. force bypasses the interval guard. Returns whether a reset was
// performed.
func (m *Maintainer) TryReset(ctx context.Context, reason string, force bool) bool {
	if m.eng == nil || !m.eng.SupportsCacheReset() {
		return false
	}

	m.mu.Lock()
	if !force && m.interval > 0 && !m.lastReset.IsZero() && m.now().Sub(m.lastReset) < m.interval {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	ok, err := m.eng.ResetCaches(ctx, reason)
	if err != nil {
		log.Printf("Warning: resetting caches (%s): %v", reason, err)
		return false
	}
	if !ok {
		return false
	}

	m.mu.Lock()
	m.lastReset = m.now()
	m.mu.Unlock()

	select {
	case m.reschedule <- struct{}{}:
	default:
	}
	return true
}

// Run is the optional periodic daemon: it resets caches every interval and
// pushes the next deadline out whenever someone else performed a reset.
func (m *Maintainer) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reschedule:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.interval)
		case <-timer.C:
			m.TryReset(ctx, "periodic", false)
			timer.Reset(m.interval)
		}
	}
}
