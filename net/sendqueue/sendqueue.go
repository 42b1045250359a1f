// Package sendqueue buffers the bytes a non-blocking send did not accept.
//
// The reactor itself never queues outbound data: a send pushes whatever the
// OS takes in one call and returns the rest to the caller. This helper is
// the caller-side half of that contract — push the remainder here, arm
// write notifications, and Flush from the writable callback until the queue
// drains.
package sendqueue

import (
	"github.com/Allenxuxu/ringbuffer"
	"github.com/Allenxuxu/ringbuffer/pool"
	"github.com/panjf2000/gnet/pool/bytebuffer"
)

// SendFunc is a single non-blocking send attempt; it returns how many bytes
// the OS accepted.
type SendFunc func(p []byte) int

// Queue accumulates unsent bytes for one socket. Not safe for concurrent
// use; like the reactor it belongs to the poll goroutine.
type Queue struct {
	out *ringbuffer.RingBuffer
}

func New() *Queue {
	out := pool.Get()
	out.RetrieveAll()
	return &Queue{out: out}
}

// Push appends bytes to the pending region.
func (q *Queue) Push(p []byte) {
	if len(p) == 0 {
		return
	}
	_, _ = q.out.Write(p)
}

// Pending 未发送字节数
func (q *Queue) Pending() int {
	return q.out.Length()
}

func (q *Queue) Empty() bool {
	return q.out.IsEmpty()
}

// Flush makes one send attempt with everything pending and retires what was
// accepted. It returns true once the queue is empty, which is the owner's
// cue to disarm write notifications.
func (q *Queue) Flush(send SendFunc) bool {
	if q.out.IsEmpty() {
		return true
	}

	first, end := q.out.PeekAll()
	if len(end) == 0 {
		n := send(first)
		q.out.Retrieve(n)
		return q.out.IsEmpty()
	}

	// The pending region wraps; coalesce so the kernel sees one buffer.
	bb := bytebuffer.Get()
	defer bytebuffer.Put(bb)
	_, _ = bb.Write(first)
	_, _ = bb.Write(end)

	n := send(bb.Bytes())
	q.out.Retrieve(n)
	return q.out.IsEmpty()
}

// Release returns the underlying buffer to its pool. The queue must not be
// used afterwards.
func (q *Queue) Release() {
	if q.out != nil {
		pool.Put(q.out)
		q.out = nil
	}
}
