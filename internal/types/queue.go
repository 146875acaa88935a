package types

import "sync"

// Queue is an unbounded thread-safe FIFO queue.
// Producers never block; a consumer waits on [Queue.Ready] when the queue is empty.
type Queue[T any] struct {
	mu     sync.Mutex
	data   []T
	closed bool
	ready  chan struct{}
}

func (q *Queue[T]) readyUnsafe() chan struct{} {
	if q.ready == nil {
		q.ready = make(chan struct{}, 1)
	}
	return q.ready
}

func (q *Queue[T]) signalUnsafe() {
	select {
	case q.readyUnsafe() <- struct{}{}:
	default:
	}
}

// Push appends the item to the end of the queue.
// It returns false if the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.data = append(q.data, item)
	q.signalUnsafe()
	return true
}

// PushFront inserts the item at the front of the queue.
// It returns false if the queue is closed.
func (q *Queue[T]) PushFront(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	var zero T
	q.data = append(q.data, zero)
	copy(q.data[1:], q.data[:len(q.data)-1])
	q.data[0] = item
	q.signalUnsafe()
	return true
}

// Pop removes and returns the first item.
// The second return value is false when the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.data) == 0 {
		return zero, false
	}
	item := q.data[0]
	q.data[0] = zero
	q.data = q.data[1:]
	return item, true
}

// Drain removes and returns all queued items in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.data) == 0 {
		return nil
	}
	out := q.data
	q.data = nil
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Ready returns a channel that receives a value after items were pushed.
// A single signal may stand for several pushes, so consumers pop until the queue is empty.
func (q *Queue[T]) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyUnsafe()
}

// Close rejects further pushes. Already queued items can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.signalUnsafe()
}

// Closed reports whether the queue is closed.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
