// Package async carries the small concurrency primitives shared by the
// data plane. The queue decouples adapter callback goroutines from the
// cache writer: producers never block, and when the consumer lags the
// oldest pending item is dropped, because a newer tick supersedes it.
package async

import (
	"context"
	"sync"
	"sync/atomic"
)

// Queue is a bounded FIFO with drop-oldest overflow. Safe for many
// producers and many consumers.
type Queue[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int
	count  int
	closed bool

	// notify wakes one blocked Pop per Push; capacity 1 keeps Push
	// non-blocking when nobody waits.
	notify chan struct{}

	dropped atomic.Int64
	pushed  atomic.Int64
}

// NewQueue creates a queue holding at most capacity items
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v without blocking. A full queue drops its oldest item
// first; a closed queue drops v instead. Reports whether v was queued.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.count == len(q.buf) {
		// Overwrite the oldest slot: the stalest item loses
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped.Add(1)
	}
	q.buf[(q.head+q.count)%len(q.buf)] = v
	q.count++
	q.mu.Unlock()

	q.pushed.Add(1)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest item, blocking until one arrives, the queue
// closes, or ctx ends. ok is false on close and cancellation.
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			v = q.buf[q.head]
			var zero T
			q.buf[q.head] = zero
			q.head = (q.head + 1) % len(q.buf)
			q.count--
			remaining := q.count
			q.mu.Unlock()

			if remaining > 0 {
				// Keep other waiters moving
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return v, true
		}
		if q.closed {
			q.mu.Unlock()
			return v, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return v, false
		}
	}
}

// TryPop removes the oldest item without blocking
func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return v, false
	}
	v = q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return v, true
}

// Close stops accepting pushes. Queued items remain poppable; blocked
// Pops return once the queue drains.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len reports the current queue depth
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped reports how many items overflow discarded
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}

// Pushed reports how many items were accepted
func (q *Queue[T]) Pushed() int64 {
	return q.pushed.Load()
}
