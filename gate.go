package conenat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Gate serializes structural table mutations against collector sweeps.
//
// Mutators hold the gate shared between Enter and Exit. The collector
// raises the pause flag, after which Enter fails with ErrBusy, and waits
// until every in-flight mutator has left. Lookups and last-seen refreshes
// never go through the gate.
type Gate struct {
	paused atomic.Bool
	mu     sync.RWMutex
	poll   time.Duration
}

func NewGate() *Gate {
	return &Gate{poll: 50 * time.Microsecond}
}

// Enter admits a mutator. It never blocks.
func (g *Gate) Enter() error {
	if g.paused.Load() {
		return ErrBusy
	}
	if !g.mu.TryRLock() {
		return ErrBusy
	}
	if g.paused.Load() {
		g.mu.RUnlock()
		return ErrBusy
	}
	return nil
}

func (g *Gate) Exit() {
	g.mu.RUnlock()
}

// Paused reports whether the collector currently holds the tables.
func (g *Gate) Paused() bool {
	return g.paused.Load()
}

// Pause raises the pause flag and waits at most timeout for in-flight
// mutators to drain. On failure the flag is cleared again.
func (g *Gate) Pause(ctx context.Context, timeout time.Duration) error {
	g.paused.Store(true)
	deadline := time.Now().Add(timeout)
	for !g.mu.TryLock() {
		if time.Now().After(deadline) {
			g.paused.Store(false)
			return ErrQuiesceTimeout
		}
		select {
		case <-ctx.Done():
			g.paused.Store(false)
			return ctx.Err()
		case <-time.After(g.poll):
		}
	}
	return nil
}

// Resume releases a successful Pause.
func (g *Gate) Resume() {
	g.mu.Unlock()
	g.paused.Store(false)
}
