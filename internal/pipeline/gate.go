package pipeline

import "sync/atomic"

// Gate admits at most one inference pass at a time
type Gate struct {
	busy atomic.Bool
}

// TryAcquire takes the gate if it is free
func (g *Gate) TryAcquire() bool {
	return g.busy.CompareAndSwap(false, true)
}

// Release frees the gate
func (g *Gate) Release() {
	g.busy.Store(false)
}

// Busy reports whether an inference pass is in flight
func (g *Gate) Busy() bool {
	return g.busy.Load()
}
