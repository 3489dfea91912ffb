package batch

import (
	"sync"

	"github.com/cuemby/loki-sidecar/pkg/types"
)

// Queue is the hand-off between the tailer and the dispatcher. A single mutex
// covers both append and the batch-sized pop.
type Queue struct {
	mu       sync.Mutex
	items    []types.Record
	capacity int

	// ready holds at most one pending wake-up for the consumer
	ready chan struct{}
}

// NewQueue creates a queue holding at most capacity records. A capacity of
// zero or less means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Enqueue appends a record and wakes the consumer. It returns false, leaving
// the queue unchanged, when the queue is full.
func (q *Queue) Enqueue(rec types.Record) bool {
	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, rec)
	q.mu.Unlock()

	q.signal()
	return true
}

// Drain removes up to max records in FIFO order. A max of zero or less drains
// everything. If records remain afterwards the consumer is woken again.
func (q *Queue) Drain(max int) []types.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	batch := make([]types.Record, n)
	copy(batch, q.items[:n])

	remaining := copy(q.items, q.items[n:])
	clear(q.items[remaining:])
	q.items = q.items[:remaining]

	if remaining > 0 {
		q.signal()
	}
	return batch
}

// Len returns the number of pending records
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready delivers a value after records have been added
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
