package relay

import (
	"sync"
	"sync/atomic"
)

// sendQueue is a byte-bounded FIFO queue of WebSocket messages.
//
// It decouples the two read loops of a proxied pair so a slow writer never
// blocks its peer's reader. Enqueue never blocks; when the bytes already
// buffered exceed the byte budget the message is dropped.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	items    []queuedMessage

	drops atomic.Uint64
}

type queuedMessage struct {
	msgType int
	data    []byte
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Buffered returns the bytes currently queued.
func (q *sendQueue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.curBytes
}

// Enqueue appends a message unless the bytes already buffered exceed the
// byte budget. The incoming message's own size is not checked: the budget
// bounds accumulation, so a single large message on a drained queue always
// goes through. It never blocks.
func (q *sendQueue) Enqueue(msgType int, data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.curBytes > q.maxBytes {
		q.drops.Add(1)
		return false
	}

	q.items = append(q.items, queuedMessage{msgType: msgType, data: data})
	q.curBytes += len(data)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a message is available or the queue is closed and
// empty.
func (q *sendQueue) Dequeue() (int, []byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return 0, nil, false
	}
	item := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = queuedMessage{}
	q.items = q.items[:len(q.items)-1]
	q.curBytes -= len(item.data)
	return item.msgType, item.data, true
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.items {
		q.items[i] = queuedMessage{}
	}
	q.items = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
