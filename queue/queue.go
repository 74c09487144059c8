// Package queue provides the bounded drop-oldest FIFO connecting sensor
// producers to the estimator's worker loops.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// PollInterval is how long a timed pop sleeps between checks for a new item.
// It bounds the worst-case wake latency after an item arrives to roughly one
// interval.
const PollInterval = 20 * time.Millisecond

// Queue is a fixed-capacity FIFO. Push never blocks: at capacity the oldest
// item is evicted to make room. Each queue is an independent buffer; two
// queues fed by the same producer may drop different items under load.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	clock    clock.Clock

	pushed  uint64
	removed uint64 // popped, drained, or evicted
}

// New returns a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	return NewWithClock[T](capacity, clock.New())
}

// NewWithClock is New with an injected clock for pacing timed pops.
func NewWithClock[T any](capacity int, c clock.Clock) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{capacity: capacity, clock: c}
}

// Push appends item, evicting the oldest entry first if the queue is full.
// It reports whether an eviction occurred.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := false
	if len(q.items) == q.capacity {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.removed++
		evicted = true
	}
	q.items = append(q.items, item)
	q.pushed++
	return evicted
}

// TryPop removes and returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = zero
	q.items = q.items[:len(q.items)-1]
	q.removed++
	return item, true
}

// PopWait blocks up to timeout for an item, checking at PollInterval. It
// returns early with ok=false when ctx is canceled.
func (q *Queue[T]) PopWait(ctx context.Context, timeout time.Duration) (T, bool) {
	deadline := q.clock.Now().Add(timeout)
	for {
		if item, ok := q.TryPop(); ok {
			return item, true
		}
		remaining := deadline.Sub(q.clock.Now())
		if remaining <= 0 || ctx.Err() != nil {
			var zero T
			return zero, false
		}
		wait := PollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := q.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, false
		case <-timer.C:
		}
	}
}

// Drain removes and returns everything currently queued, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := make([]T, len(q.items))
	copy(out, q.items)
	q.removed += uint64(len(q.items))
	q.items = q.items[:0]
	return out
}

// Empty reports whether the queue currently holds no items.
func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Counters returns how many items were ever pushed and how many ever left the
// queue (popped, drained, or evicted). Used to wait for a snapshot of the
// queue to drain without being held open by later arrivals.
func (q *Queue[T]) Counters() (pushed, removed uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed, q.removed
}
