package queue

import (
	"fmt"
	"sync"
)

// InMemoryQueue implements a bounded in-memory queue over a channel.
type InMemoryQueue struct {
	ch     chan interface{}
	lock   sync.RWMutex
	closed bool
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates a new queue with the given capacity.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	return &InMemoryQueue{
		ch: make(chan interface{}, capacity),
	}
}

func (q *InMemoryQueue) Enqueue(item interface{}) error {
	q.lock.RLock()
	defer q.lock.RUnlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return fmt.Errorf("queue is full (capacity %d)", cap(q.ch))
	}
}

func (q *InMemoryQueue) Dequeue() (interface{}, bool) {
	item, ok := <-q.ch
	return item, ok
}

func (q *InMemoryQueue) Size() int {
	return len(q.ch)
}

func (q *InMemoryQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
