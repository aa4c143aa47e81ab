package ingest

import (
	"sync"
	"time"
)

const redeliveryCompactAt = 10000

// RedeliveryGuard remembers (sensor, source timestamp, value) keys for a
// fixed window so broker redeliveries are stored once.
type RedeliveryGuard struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewRedeliveryGuard returns nil for a non-positive window; a nil guard
// lets everything through.
func NewRedeliveryGuard(window time.Duration) *RedeliveryGuard {
	if window <= 0 {
		return nil
	}
	return &RedeliveryGuard{window: window, now: time.Now, seen: make(map[string]time.Time)}
}

// Claim records key and reports true unless key was claimed inside the window.
func (g *RedeliveryGuard) Claim(key string) bool {
	if g == nil || key == "" {
		return true
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.seen[key]; ok && now.Sub(at) <= g.window {
		return false
	}
	g.seen[key] = now
	if len(g.seen) > redeliveryCompactAt {
		for k, at := range g.seen {
			if now.Sub(at) > g.window {
				delete(g.seen, k)
			}
		}
	}
	return true
}

// Release forgets key so a message whose handling failed can be retried.
func (g *RedeliveryGuard) Release(key string) {
	if g == nil || key == "" {
		return
	}
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
}

func (g *RedeliveryGuard) Len() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
