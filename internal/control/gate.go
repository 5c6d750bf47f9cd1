package control

import (
	"context"
	"sync"
)

// Gate is a condition that goroutines can wait on until it is opened. It
// replaces a condition variable so waits can also observe a context.
type Gate struct {
	mu   sync.Mutex
	open bool
	// ch is closed while the gate is open.
	ch chan struct{}
}

// NewGate returns a gate in the given state.
func NewGate(open bool) *Gate {
	g := &Gate{ch: make(chan struct{})}
	g.Set(open)
	return g
}

// Set opens or closes the gate and reports whether the state changed.
func (g *Gate) Set(open bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open == open {
		return false
	}
	g.open = open
	if open {
		close(g.ch)
	} else {
		g.ch = make(chan struct{})
	}
	return true
}

// IsOpen reports the current state.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
