package indexer

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push after Close, and by Pop once a closed
// queue is drained
var ErrQueueClosed = errors.New("work queue closed")

// Op is the kind of work queued for a path
type Op int

const (
	OpUpsert Op = iota // (re)index the file
	OpDelete           // drop the file's conversation
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "upsert"
}

// WorkItem is one unit of pipeline work
type WorkItem struct {
	Path string
	Op   Op
}

// Queue is a bounded FIFO of work items with at most one entry per path.
// Pushing a path that is already queued replaces its op in place, so the
// latest event for a file wins without losing its position.
type Queue struct {
	mu      sync.Mutex
	order   []string
	ops     map[string]Op
	size    int
	closed  bool
	changed chan struct{} // closed and replaced on every state change
}

// NewQueue creates a queue holding at most size distinct paths
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ops:     make(map[string]Op),
		size:    size,
		changed: make(chan struct{}),
	}
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Push enqueues item, blocking while the queue is full until ctx is done
func (q *Queue) Push(ctx context.Context, item WorkItem) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if _, ok := q.ops[item.Path]; ok {
			q.ops[item.Path] = item.Op
			q.mu.Unlock()
			return nil
		}
		if len(q.order) < q.size {
			q.order = append(q.order, item.Path)
			q.ops[item.Path] = item.Op
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// TryPush enqueues item unless the queue is full or closed
func (q *Queue) TryPush(item WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, ok := q.ops[item.Path]; ok {
		q.ops[item.Path] = item.Op
		return true
	}
	if len(q.order) >= q.size {
		return false
	}
	q.order = append(q.order, item.Path)
	q.ops[item.Path] = item.Op
	q.broadcastLocked()
	return true
}

// TryPop removes the oldest item without blocking
func (q *Queue) TryPop() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (WorkItem, bool) {
	if len(q.order) == 0 {
		return WorkItem{}, false
	}
	path := q.order[0]
	q.order[0] = ""
	q.order = q.order[1:]
	op := q.ops[path]
	delete(q.ops, path)
	q.broadcastLocked()
	return WorkItem{Path: path, Op: op}, true
}

// Pop removes the oldest item, blocking until one is available, the queue
// is closed and drained, or ctx is done
func (q *Queue) Pop(ctx context.Context) (WorkItem, error) {
	for {
		q.mu.Lock()
		if item, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return WorkItem{}, ErrQueueClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return WorkItem{}, ctx.Err()
		case <-wait:
		}
	}
}

// Close stops accepting pushes. Items already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcastLocked()
	}
}

// Len returns the number of queued paths
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Cap returns the queue bound
func (q *Queue) Cap() int { return q.size }
