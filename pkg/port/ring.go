package port

import (
	"sync"

	"github.com/skycoin/skycoin/src/util/logging"
)

// DefaultRingSize is the number of messages a Ring holds when created with size 0.
const DefaultRingSize = 16

type ringEntry struct {
	seq uint64
	msg []byte
}

// Ring is a bounded message deque that drops the oldest entry on overflow.
// It is the hand-off point between reader goroutines and the cycle loop.
// Every pushed message gets a sequence number so a consumer can commit
// exactly the message it peeked, even if it was evicted in the meantime.
type Ring struct {
	mu    sync.Mutex
	items []ringEntry
	size  int
	next  uint64
	drops uint64
}

// NewRing returns a Ring holding at most size messages.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{size: size}
}

// Push appends a copy of msg and reports whether the oldest entry was evicted.
func (r *Ring) Push(msg []byte) (evicted bool) {
	cp := append([]byte(nil), msg...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= r.size {
		r.items[0] = ringEntry{}
		r.items = r.items[1:]
		r.drops++
		evicted = true
	}
	r.next++
	r.items = append(r.items, ringEntry{seq: r.next, msg: cp})
	return evicted
}

// Peek returns the oldest message and its sequence number without removing it.
func (r *Ring) Peek() ([]byte, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return nil, 0, false
	}
	return r.items[0].msg, r.items[0].seq, true
}

// Pop removes and returns the oldest message.
func (r *Ring) Pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return nil, false
	}
	return r.popLocked(), true
}

// Commit removes the oldest message if it still carries seq. It reports
// false when that message is gone already, e.g. evicted by a later Push.
func (r *Ring) Commit(seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 || r.items[0].seq != seq {
		return false
	}
	r.popLocked()
	return true
}

func (r *Ring) popLocked() []byte {
	msg := r.items[0].msg
	r.items[0] = ringEntry{}
	r.items = r.items[1:]
	return msg
}

// Len returns the number of buffered messages.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Drops returns the number of messages evicted so far.
func (r *Ring) Drops() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drops
}

// ringReader implements peek/skip over a Ring for ports whose received
// messages are volatile.
type ringReader struct {
	log    *logging.Logger
	ring   *Ring
	peeked uint64
	valid  bool
}

// read copies the oldest message into buf and remembers it for skip.
// Messages larger than buf are dropped.
func (rr *ringReader) read(buf []byte) int {
	for {
		msg, seq, ok := rr.ring.Peek()
		if !ok {
			rr.valid = false
			return 0
		}
		if len(msg) > len(buf) {
			rr.log.Warnf("Dropping %d byte message larger than read buffer", len(msg))
			rr.ring.Commit(seq)
			continue
		}
		rr.peeked, rr.valid = seq, true
		return copy(buf, msg)
	}
}

// skip commits the message last returned by read. Nothing is removed when
// that message was evicted since.
func (rr *ringReader) skip() {
	if !rr.valid {
		return
	}
	rr.valid = false
	if !rr.ring.Commit(rr.peeked) {
		rr.log.Debug("Peeked message was evicted before skip")
	}
}
