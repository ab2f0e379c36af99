package syncutil

import "sync"

// Queue is an unbounded FIFO queue safe for concurrent use.
// Consumers wait on [Queue.Ready] and then pop until the queue is empty.
// The zero value is ready to use.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	ready chan struct{}
}

func (q *Queue[T]) readyCh() chan struct{} {
	if q.ready == nil {
		q.ready = make(chan struct{}, 1)
	}
	return q.ready
}

// Push adds the item to the tail and wakes up a waiting consumer.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	ch := q.readyCh()
	q.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

// Pop removes the item at the head.
// The second return value is false when the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	// reuse the backing array once the consumer caught up
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return item, true
}

// Ready returns a channel that receives a value after a push.
// A single notification may stand for several items.
func (q *Queue[T]) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyCh()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
