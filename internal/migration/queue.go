package migration

import (
	"context"
	"strconv"
	"sync"
)

// Message is one queued migration request.
type Message struct {
	DatasetID string
	// handle identifies the delivery for Ack.
	handle string
}

// Queue distributes dataset ids to migration workers. Delivery is at least
// once; Migrate is safe to repeat.
type Queue interface {
	Enqueue(ctx context.Context, datasetIDs []string) error
	// Receive waits briefly for up to limit messages. An empty result is not an
	// error.
	Receive(ctx context.Context, limit int) ([]Message, error)
	// Ack removes a handled message.
	Ack(ctx context.Context, msg Message) error
}

// MemoryQueue is an in-process Queue. Received messages are invisible until
// acked or returned with Nack.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []string
	inflight map[string]string
	next     int
	notify   chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]string),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue appends dataset ids.
func (q *MemoryQueue) Enqueue(ctx context.Context, datasetIDs []string) error {
	q.mu.Lock()
	q.pending = append(q.pending, datasetIDs...)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns up to limit pending messages, waiting until one arrives or
// ctx ends.
func (q *MemoryQueue) Receive(ctx context.Context, limit int) ([]Message, error) {
	for {
		if msgs := q.take(limit); len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) take(limit int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(limit, len(q.pending))
	msgs := make([]Message, 0, n)
	for _, id := range q.pending[:n] {
		q.next++
		handle := id + "#" + strconv.Itoa(q.next)
		q.inflight[handle] = id
		msgs = append(msgs, Message{DatasetID: id, handle: handle})
	}
	q.pending = q.pending[n:]
	return msgs
}

// Ack drops an in-flight message.
func (q *MemoryQueue) Ack(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, msg.handle)
	return nil
}

// Nack puts an in-flight message back on the queue.
func (q *MemoryQueue) Nack(msg Message) {
	q.mu.Lock()
	if id, ok := q.inflight[msg.handle]; ok {
		delete(q.inflight, msg.handle)
		q.pending = append(q.pending, id)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of pending and in-flight messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}
