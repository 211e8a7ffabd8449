package writer

import (
	"sync"
)

// Queue is a bounded thread-safe FIFO. When full, Send overwrites the oldest
// item so producers never block.
type Queue[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int // read position
	count  int
	closed bool
	ready  chan struct{}

	// Stats
	totalReceived int64
	totalSent     int64
	dropped       int64
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	Dropped       int64
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Send adds an item, evicting the oldest one if the queue is full.
// Returns false if the queue is closed.
func (q *Queue[T]) Send(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	capacity := len(q.buf)
	if q.count == capacity {
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % capacity
		q.count--
		q.dropped++
	}

	q.buf[(q.head+q.count)%capacity] = item
	q.count++
	q.totalReceived++

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after Send. A single signal may cover many items.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// TryReceive removes the oldest item without blocking.
func (q *Queue[T]) TryReceive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.count == 0 {
		return zero, false
	}

	item := q.buf[q.head]
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.totalSent++

	return item, true
}

// DrainTo removes up to max items (all if max <= 0) in FIFO order.
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	var zero T
	result := make([]T, n)
	for i := range n {
		result[i] = q.buf[q.head]
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
	}
	q.count -= n
	q.totalSent += int64(n)

	return result
}

// Close closes the queue. After closing, Send returns false; queued items
// can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:         q.count,
		Capacity:      len(q.buf),
		TotalReceived: q.totalReceived,
		TotalSent:     q.totalSent,
		Dropped:       q.dropped,
	}
}
