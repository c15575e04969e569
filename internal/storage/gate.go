package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// gateCapacity bounds concurrent writers; Pause takes all of it
const gateCapacity = 1 << 20

// WriteGate lets a backup or restore stop index writes at a consistent
// point. Writers hold one unit for the duration of a write; Pause acquires
// the whole capacity, which waits for in-flight writes and queues new ones
// behind it.
type WriteGate struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	paused bool
}

// NewWriteGate creates an open gate
func NewWriteGate() *WriteGate {
	return &WriteGate{sem: semaphore.NewWeighted(gateCapacity)}
}

// Do runs fn while holding a write slot. An open gate admits the write even
// when ctx is already done; ctx only bounds the wait while the gate is
// paused or a pause is pending.
func (g *WriteGate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !g.sem.TryAcquire(1) {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	defer g.sem.Release(1)
	return fn(ctx)
}

// Pause blocks until in-flight writes finish, then holds new ones. Pausing
// an already paused gate is a no-op.
func (g *WriteGate) Pause(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return nil
	}
	if err := g.sem.Acquire(ctx, gateCapacity); err != nil {
		return err
	}
	g.paused = true
	return nil
}

// Resume releases writes held by Pause
func (g *WriteGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.sem.Release(gateCapacity)
	g.paused = false
}

// Paused reports whether writes are currently held
func (g *WriteGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}
