package bridge

import "sync"

// Queue is a bounded FIFO. Pushing onto a full queue evicts the oldest
// entry. It is safe for concurrent use.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	n     int
}

// NewQueue returns a queue holding at most size entries. size < 1 is
// treated as 1.
func NewQueue[T any](size int) *Queue[T] {
	return &Queue[T]{items: make([]T, max(size, 1))}
}

// Push appends v and reports whether an older entry was evicted to make
// room.
func (q *Queue[T]) Push(v T) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.items) {
		q.items[q.head] = v
		q.head = (q.head + 1) % len(q.items)
		return true
	}
	q.items[(q.head+q.n)%len(q.items)] = v
	q.n++
	return false
}

// Pop removes and returns the oldest entry. ok is false when the queue is
// empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return v, false
	}
	var zero T
	v = q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return v, true
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Reset drops every entry.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.items)
	q.head, q.n = 0, 0
}
