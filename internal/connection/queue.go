package connection

import (
	"sync"
	"time"
)

// QueuedMessage is an outbound message held back because the connection
// is not open. Control frames are marked so the flush can skip them:
// a subscription replay on reconnect supersedes any control traffic that
// was queued while offline.
type QueuedMessage struct {
	Data       []byte
	EnqueuedAt time.Time
	Control    bool
}

// outboundQueue is a FIFO of messages awaiting an open connection.
// Messages are flushed in enqueue order on every transition into
// Connected and cleared on Close.
type outboundQueue struct {
	mu    sync.Mutex
	items []QueuedMessage
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{}
}

// Push appends a message to the tail.
func (q *outboundQueue) Push(data []byte, control bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, QueuedMessage{
		Data:       data,
		EnqueuedAt: time.Now(),
		Control:    control,
	})
}

// Requeue puts messages back at the head, preserving their order. Used
// when a flush is interrupted by a write failure.
func (q *outboundQueue) Requeue(msgs []QueuedMessage) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(msgs, q.items...)
}

// Drain removes and returns all queued messages in order.
func (q *outboundQueue) Drain() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Clear drops everything. Only called on Close.
func (q *outboundQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Len returns the number of queued messages.
func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
