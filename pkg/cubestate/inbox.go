package cubestate

import (
	"sync"

	"github.com/r2northstar/cubenet/pkg/cubemsg"
)

// Delivered is one entry in the application inbox: either a successfully
// routed/broadcast application message, or a synthetic entry recording a
// local delivery failure the application can correlate against a prior
// send (spec.md §4.8).
type Delivered struct {
	Msg    cubemsg.Message
	Failed bool  // true for a synthetic INVALID_ADDRESS/INVALID_DATA correlation entry
	Err    error // non-nil iff Failed
}

// Inbox is the single multi-writer/single-reader queue of messages
// delivered to the application layer (spec.md §5: "the inbox is the single
// multi-writer/single-reader shared data structure; it requires a mutex and
// a condition variable").
type Inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      []Delivered
	closed bool
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	ib := &Inbox{}
	ib.cond = sync.NewCond(&ib.mu)
	return ib
}

// Push appends d to the inbox and wakes one blocked reader.
func (ib *Inbox) Push(d Delivered) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.closed {
		return
	}
	ib.q = append(ib.q, d)
	ib.cond.Signal()
}

// Recv blocks until the inbox is non-empty or Close has been called, per
// spec.md §4.8. On shutdown with an empty queue, it returns (Delivered{},
// false).
func (ib *Inbox) Recv() (Delivered, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for len(ib.q) == 0 && !ib.closed {
		ib.cond.Wait()
	}
	if len(ib.q) == 0 {
		return Delivered{}, false
	}
	d := ib.q[0]
	ib.q = ib.q[1:]
	return d, true
}

// RecvNow is the non-blocking variant of Recv.
func (ib *Inbox) RecvNow() (Delivered, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if len(ib.q) == 0 {
		return Delivered{}, false
	}
	d := ib.q[0]
	ib.q = ib.q[1:]
	return d, true
}

// Close wakes every blocked Recv; subsequent Push calls are discarded.
func (ib *Inbox) Close() {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.closed = true
	ib.cond.Broadcast()
}
