package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work run by the Engine. The set of implementations is
// closed: every task embeds *taskBase.
//
// Execute must be safe to call again with the same receiver: the engine
// retries a task verbatim after a connectivity failure.
type Task interface {
	Execute(ctx context.Context, e *Engine) error
	Priority() Priority
	Wait(timeout time.Duration) bool
	String() string
	base() *taskBase
}

// deduper is implemented by tasks that must not be queued twice while an
// equal one is still waiting or running.
type deduper interface {
	dedupKey() string
}

type taskBase struct {
	id       string
	priority Priority
	done     chan struct{}
	once     stdsync.Once

	mu        stdsync.Mutex
	succeeded bool
	children  []Task
	results   []UpdateEvent
}

func newTaskBase(p Priority) *taskBase {
	return &taskBase{
		id:       uuid.NewString(),
		priority: p,
		done:     make(chan struct{}),
	}
}

func (b *taskBase) base() *taskBase { return b }

func (b *taskBase) ID() string { return b.id }

func (b *taskBase) Priority() Priority { return b.priority }

// Wait blocks until the task reaches a terminal state or timeout elapses and
// reports whether it succeeded. A non-positive timeout waits forever. Timing
// out does not cancel the task.
func (b *taskBase) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-b.done
		return b.Succeeded()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-b.done:
		return b.Succeeded()
	case <-t.C:
		return false
	}
}

// Done is closed when the task completes.
func (b *taskBase) Done() <-chan struct{} { return b.done }

func (b *taskBase) Succeeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.succeeded
}

// Children returns the tasks submitted by this one so far.
func (b *taskBase) Children() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Task(nil), b.children...)
}

// Results returns the events produced by the task.
func (b *taskBase) Results() []UpdateEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]UpdateEvent(nil), b.results...)
}

func (b *taskBase) complete(ok bool) {
	b.once.Do(func() {
		b.mu.Lock()
		b.succeeded = ok
		b.mu.Unlock()
		close(b.done)
	})
}

func (b *taskBase) addChild(t Task) {
	b.mu.Lock()
	b.children = append(b.children, t)
	b.mu.Unlock()
}

func (b *taskBase) addResult(ev UpdateEvent) {
	b.mu.Lock()
	b.results = append(b.results, ev)
	b.mu.Unlock()
}

// resetResults drops events from a previous attempt.
func (b *taskBase) resetResults() {
	b.mu.Lock()
	b.results = nil
	b.mu.Unlock()
}

// WaitAll waits for t and, recursively, every task it spawned. It reports
// whether all of them succeeded before the deadline.
func WaitAll(t Task, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return waitAll(t, deadline)
}

func waitAll(t Task, deadline time.Time) bool {
	var remaining time.Duration
	if !deadline.IsZero() {
		remaining = time.Until(deadline)
		if remaining <= 0 {
			return false
		}
	}
	if !t.Wait(remaining) {
		return false
	}
	for _, c := range t.base().Children() {
		if !waitAll(c, deadline) {
			return false
		}
	}
	return true
}
