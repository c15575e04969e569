package indexer

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of filesystem events per path. An item is
// emitted once no new event for its path arrived for the delay; the op of
// the last event wins.
type Debouncer struct {
	delay time.Duration
	emit  func(WorkItem)

	mu      sync.Mutex
	pending map[string]*pendingEvent
	gen     uint64
	stopped bool
}

type pendingEvent struct {
	op    Op
	gen   uint64
	timer *time.Timer
}

// NewDebouncer creates a debouncer calling emit from a timer goroutine
func NewDebouncer(delay time.Duration, emit func(WorkItem)) *Debouncer {
	return &Debouncer{
		delay:   delay,
		emit:    emit,
		pending: make(map[string]*pendingEvent),
	}
}

// Add records an event for path and restarts its quiet period
func (d *Debouncer) Add(path string, op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if p, ok := d.pending[path]; ok {
		p.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending[path] = &pendingEvent{
		op:    op,
		gen:   gen,
		timer: time.AfterFunc(d.delay, func() { d.fire(path, gen) }),
	}
}

// fire emits path unless a later Add superseded this timer
func (d *Debouncer) fire(path string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if !ok || p.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	d.mu.Unlock()

	d.emit(WorkItem{Path: path, Op: p.op})
}

// Pending returns the number of paths waiting out their quiet period
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels all pending events. Dropped events are picked up by the
// next rescan.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for path, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, path)
	}
}
