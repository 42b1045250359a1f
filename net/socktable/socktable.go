// Package socktable owns the socket records of a reactor and hands out
// stable handles for them. A handle encodes a slot index plus a generation
// counter; reusing a slot bumps the generation, so a handle retained after
// its socket closed is detected and rejected instead of silently aliasing
// a newer socket.
package socktable

import (
	"net"

	"github.com/zput/zwire/net/event"
	"github.com/zput/zwire/net/protocol"
)

// SocketKind tags the lifecycle state machine a record belongs to.
type SocketKind int

const (
	KindUDP SocketKind = iota
	KindTCPOutPending
	KindTCPOutConnected
	KindTCPIn
	KindTCPListen
)

// IsStream reports whether the kind carries TCP semantics.
func (k SocketKind) IsStream() bool {
	return k != KindUDP
}

func (k SocketKind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindTCPOutPending:
		return "tcp-out-pending"
	case KindTCPOutConnected:
		return "tcp-out-connected"
	case KindTCPIn:
		return "tcp-in"
	case KindTCPListen:
		return "tcp-listen"
	}
	return "unknown"
}

// Record is one open socket. The table exclusively owns every Record; the
// reactor's owner only ever sees the Handle and the Ctx slot.
type Record struct {
	Kind SocketKind
	Fd   int

	// Ctx is the opaque user value; callbacks receive &Ctx so the owner can
	// replace it at any time.
	Ctx any

	// Addr is the bound local address for UDP and listening sockets and the
	// peer address for inbound and outbound connections.
	Addr net.Addr

	Ev *event.Event
}

type slot struct {
	gen uint32
	rec *Record
}

// Table is a slot arena of socket records. It is single-threaded like the
// rest of the reactor; only the poll goroutine may touch it.
type Table struct {
	slots    []slot
	free     []uint32
	byFd     map[int]protocol.Handle
	size     int
	capacity int
}

func New(capacity int) *Table {
	return &Table{
		byFd:     make(map[int]protocol.Handle),
		capacity: capacity,
	}
}

func makeHandle(index, gen uint32) protocol.Handle {
	return protocol.Handle(uint64(gen)<<32 | uint64(index))
}

func splitHandle(h protocol.Handle) (index, gen uint32) {
	return uint32(h), uint32(h >> 32)
}

// Register inserts a record and returns its handle. The handle stays valid
// across any number of other insertions and removals until Remove.
func (t *Table) Register(rec *Record) (protocol.Handle, error) {
	if t.size >= t.capacity {
		return protocol.NoHandle, protocol.ErrCapacityExceeded
	}

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot{gen: 1})
		index = uint32(len(t.slots) - 1)
	}

	t.slots[index].rec = rec
	t.size++

	h := makeHandle(index, t.slots[index].gen)
	t.byFd[rec.Fd] = h
	return h, nil
}

// Lookup resolves a handle; ok is false for stale or never-issued handles.
func (t *Table) Lookup(h protocol.Handle) (*Record, bool) {
	index, gen := splitHandle(h)
	if int(index) >= len(t.slots) || gen == 0 {
		return nil, false
	}
	s := t.slots[index]
	if s.gen != gen || s.rec == nil {
		return nil, false
	}
	return s.rec, true
}

// ByFd resolves the descriptor the poller reported back to its record.
func (t *Table) ByFd(fd int) (protocol.Handle, *Record, bool) {
	h, ok := t.byFd[fd]
	if !ok {
		return protocol.NoHandle, nil, false
	}
	rec, ok := t.Lookup(h)
	return h, rec, ok
}

// Remove detaches the record and returns ownership of it for finalization.
// The slot's generation is bumped so the old handle can never resolve again.
func (t *Table) Remove(h protocol.Handle) (*Record, bool) {
	rec, ok := t.Lookup(h)
	if !ok {
		return nil, false
	}
	index, _ := splitHandle(h)

	t.slots[index].rec = nil
	t.slots[index].gen++
	if t.slots[index].gen == 0 { // wrapped; zero means never-issued
		t.slots[index].gen = 1
	}
	t.free = append(t.free, index)
	t.size--
	delete(t.byFd, rec.Fd)
	return rec, true
}

// Range visits every registered record exactly once. Removing the record
// currently visited is allowed; f returns false to stop early.
func (t *Table) Range(f func(h protocol.Handle, rec *Record) bool) {
	for i := range t.slots {
		if t.slots[i].rec == nil {
			continue
		}
		if !f(makeHandle(uint32(i), t.slots[i].gen), t.slots[i].rec) {
			return
		}
	}
}

func (t *Table) Len() int {
	return t.size
}

func (t *Table) Cap() int {
	return t.capacity
}
