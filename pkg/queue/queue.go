package queue

// Queue represents a bounded queue of events.
type Queue interface {
	// Enqueue adds an item, failing when the queue is full.
	Enqueue(item interface{}) error
	// Dequeue blocks for the next item. ok is false once the queue
	// is closed and drained.
	Dequeue() (item interface{}, ok bool)
	// Size returns the number of pending items.
	Size() int
	// Close releases the queue. Pending items can still be drained.
	Close()
}
