package channel

import "sync"

// queueBuffer is an unbounded FIFO ring that doubles its capacity once it is
// 70% full. It backs the queues of the in-memory broker.
type queueBuffer[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int // read position
	tail   int // write position
	count  int
	closed bool

	pushed  int64
	popped  int64
	resizes int
}

func newQueueBuffer[T any](initialCapacity int) *queueBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &queueBuffer[T]{buf: make([]T, initialCapacity)}
}

// push appends an item. Returns false once the buffer is closed.
func (q *queueBuffer[T]) push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (len(q.buf) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	q.pushed++
	return true
}

// tryPop removes the oldest item without blocking.
func (q *queueBuffer[T]) tryPop() (T, bool) {
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
	q.popped++
	return item, true
}

func (q *queueBuffer[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *queueBuffer[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// QueueStats describes one in-memory queue.
type QueueStats struct {
	Depth     int
	Capacity  int
	Published int64
	Delivered int64
	Resizes   int
}

func (q *queueBuffer[T]) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:     q.count,
		Capacity:  len(q.buf),
		Published: q.pushed,
		Delivered: q.popped,
		Resizes:   q.resizes,
	}
}

// grow doubles the capacity. Must be called with lock held.
func (q *queueBuffer[T]) grow() {
	next := make([]T, len(q.buf)*2)

	if q.count > 0 {
		if q.head < q.tail {
			copy(next, q.buf[q.head:q.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(next, q.buf[q.head:])
			copy(next[n:], q.buf[:q.tail])
		}
	}

	q.buf = next
	q.head = 0
	q.tail = q.count
	q.resizes++
}
