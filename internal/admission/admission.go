// Package admission bounds the number of concurrently served connections.
// A Gate hands out slots from a fixed pool; a connection that cannot get a
// slot within the acquire timeout is turned away so the engine never sees
// more concurrent sessions than it was sized for.
package admission

import (
	"sync"
	"time"
)

// Gate is a fixed-capacity admission semaphore with per-connection
// bookkeeping so double releases are harmless.
type Gate struct {
	max     int
	timeout time.Duration

	slots chan struct{}

	mu   sync.Mutex
	held map[string]struct{}
}

// NewGate creates a gate admitting up to max connections. Acquisition waits
// up to timeout for a slot; zero means fail immediately when full.
func NewGate(max int, timeout time.Duration) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{
		max:     max,
		timeout: timeout,
		slots:   make(chan struct{}, max),
		held:    make(map[string]struct{}),
	}
}

// Admit tries to claim a slot for connID. It returns false when capacity is
// exhausted past the acquire timeout or when connID already holds a slot.
func (g *Gate) Admit(connID string) bool {
	g.mu.Lock()
	if _, ok := g.held[connID]; ok {
		g.mu.Unlock()
		return false
	}
	g.mu.Unlock()

	select {
	case g.slots <- struct{}{}:
	default:
		if g.timeout <= 0 {
			return false
		}
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		select {
		case g.slots <- struct{}{}:
		case <-timer.C:
			return false
		}
	}

	g.mu.Lock()
	g.held[connID] = struct{}{}
	g.mu.Unlock()
	return true
}

// Release returns connID's slot to the pool. Releasing a connection that
// holds no slot is a no-op.
func (g *Gate) Release(connID string) {
	g.mu.Lock()
	_, ok := g.held[connID]
	if ok {
		delete(g.held, connID)
	}
	g.mu.Unlock()
	if ok {
		<-g.slots
	}
}

// Capacity reports current occupancy for the status endpoint.
func (g *Gate) Capacity() (active, max int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held), g.max
}

// Active reports how many connections currently hold slots.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
