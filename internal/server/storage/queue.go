package storage

import (
	"sync"
	"time"

	"github.com/iplchat/iplchat/internal/protocol"
)

// QueuedMessage is one envelope awaiting its batched write, stamped with
// its arrival time so the persisted row keeps the relay-time timestamp.
type QueuedMessage struct {
	Msg      *protocol.Message
	Received time.Time
}

// Queue is the in-memory FIFO feeding the batched message writer.
type Queue struct {
	mu      sync.Mutex
	items   []QueuedMessage
	maxSize int
}

func NewQueue(maxSize int) *Queue {
	return &Queue{maxSize: maxSize}
}

// Enqueue appends msg. When a positive maxSize is configured and the
// queue is full, the oldest entry is dropped to make room and false is
// returned so the caller can log the loss.
func (q *Queue) Enqueue(msg *protocol.Message, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	ok := true
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		q.items = q.items[1:]
		ok = false
	}
	q.items = append(q.items, QueuedMessage{Msg: msg, Received: now})
	return ok
}

// Drain removes and returns every queued message in enqueue order.
func (q *Queue) Drain() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len reports the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
