package engine

import (
	"context"
	"sync"
)

// Gate blocks callers of Wait while it is paused.
// The zero value is open.
type Gate struct {
	mu     sync.Mutex
	resume chan struct{} // non-nil while paused, closed on resume
}

// Pause closes the gate. Returns false if it was already paused.
func (g *Gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume != nil {
		return false
	}
	g.resume = make(chan struct{})
	return true
}

// Resume opens the gate and releases every waiter. Returns false if it was not paused.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume == nil {
		return false
	}
	close(g.resume)
	g.resume = nil
	return true
}

// Paused reports whether the gate is closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resume != nil
}

// Wait returns once the gate is open, or ctx.Err() if ctx ends first.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.resume
		g.mu.Unlock()
		if ch == nil {
			return ctx.Err()
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
