package sync

import (
	"context"
	stdsync "sync"
)

// Priority orders work; lower values run first.
type Priority int

const (
	HighPriority Priority = iota
	NormalPriority
	LowPriority

	priorityBands = 3
)

func (p Priority) String() string {
	switch p {
	case HighPriority:
		return "high"
	case NormalPriority:
		return "normal"
	case LowPriority:
		return "low"
	}
	return "unknown"
}

// MultiQueue is a strict-priority FIFO queue with a fixed number of bands.
// Get always returns the oldest item of the lowest-numbered non-empty band.
type MultiQueue[T any] struct {
	mu     stdsync.Mutex
	bands  [][]T
	notify chan struct{}
}

func NewMultiQueue[T any](bands int) *MultiQueue[T] {
	return &MultiQueue[T]{
		bands:  make([][]T, bands),
		notify: make(chan struct{}, 1),
	}
}

// Put appends item to the band for p and wakes a waiting Get. Out of range
// priorities are clamped to the nearest band.
func (q *MultiQueue[T]) Put(item T, p Priority) {
	q.mu.Lock()
	b := q.band(p)
	q.bands[b] = append(q.bands[b], item)
	q.mu.Unlock()
	q.wake()
}

func (q *MultiQueue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get blocks until an item is available or ctx is done. Several goroutines
// may wait in Get at once.
func (q *MultiQueue[T]) Get(ctx context.Context) (T, error) {
	for {
		if item, ok, more := q.pop(); ok {
			// notify holds one wakeup; hand it on while items remain.
			if more {
				q.wake()
			}
			return item, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryGet returns the next item without blocking.
func (q *MultiQueue[T]) TryGet() (T, bool) {
	item, ok, _ := q.pop()
	return item, ok
}

// Len is advisory only.
func (q *MultiQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range q.bands {
		n += len(b)
	}
	return n
}

// Find returns the first queued item in band p for which match returns true.
// match runs with the queue locked and must not call back into the queue.
func (q *MultiQueue[T]) Find(p Priority, match func(T) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.bands[q.band(p)] {
		if match(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Snapshot returns a copy of the queued items in execution order.
func (q *MultiQueue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []T
	for _, b := range q.bands {
		out = append(out, b...)
	}
	return out
}

// pop removes the next item; more reports whether items remain.
func (q *MultiQueue[T]) pop() (item T, ok bool, more bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, b := range q.bands {
		if len(b) == 0 {
			continue
		}
		if !ok {
			item, ok = b[0], true
			var zero T
			b[0] = zero
			q.bands[i] = b[1:]
			b = q.bands[i]
		}
		if len(b) > 0 {
			return item, ok, true
		}
	}
	return item, ok, false
}

func (q *MultiQueue[T]) band(p Priority) int {
	switch {
	case int(p) < 0:
		return 0
	case int(p) >= len(q.bands):
		return len(q.bands) - 1
	}
	return int(p)
}
