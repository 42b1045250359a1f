package protocol

import (
	"net"

	"github.com/pkg/errors"
)

// EventType is the readiness interest/result bitmask shared between the
// reactor and the poller.
type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x2
	EventErr   EventType = 0x80
	EventClose EventType = 0x100
	EventNone  EventType = 0
)

// Handle is an opaque, stable reference to a socket registered with the
// reactor. A handle stays valid from the call that created the socket until
// the close, connect-failure or error callback for it has been observed;
// after that it must not be used again. The zero value never references a
// live socket.
type Handle uint64

// NoHandle is returned by operations that failed to create a socket.
const NoHandle Handle = 0

// DefaultFunction 事件回调
type DefaultFunction func()

// WaitHandler receives one ready descriptor per invocation during a poll
// cycle.
type WaitHandler func(fd int, eventType EventType)

// EventHandler is the callback contract the owner supplies at construction.
//
// All methods are invoked synchronously on the goroutine that calls Poll,
// never concurrently and never re-entrantly for the same socket. Payload
// slices alias the reactor's receive buffer and are only valid for the
// duration of the call; copy them to retain. The ctx pointers reference the
// per-socket user value and may be overwritten at any time; the reactor
// never inspects what they hold.
type EventHandler interface {
	// OnDatagram is called for every datagram received on a UDP socket.
	OnDatagram(h Handle, ctx *any, from *net.UDPAddr, payload []byte)

	// OnTCPConnect reports completion of an outbound connect, exactly once
	// per Connect call that returned a handle.
	OnTCPConnect(h Handle, ctx *any, success bool)

	// OnTCPAccept is called with both the listening socket and the newly
	// accepted one, so the owner can attach state to the new socket's ctx.
	OnTCPAccept(listener, accepted Handle, listenerCtx, acceptedCtx *any, peer *net.TCPAddr)

	// OnTCPClose reports that a connected or accepted socket was closed by
	// the peer, by an error, or by Close with callbacks enabled.
	OnTCPClose(h Handle, ctx *any)

	// OnTCPData is called with every chunk read from a stream socket.
	OnTCPData(h Handle, ctx *any, payload []byte)

	// OnTCPWritable fires once per poll cycle while write notifications are
	// armed for a socket; it is never disarmed automatically.
	OnTCPWritable(h Handle, ctx *any)
}

var (
	// ErrCapacityExceeded is returned when the socket table is full.
	ErrCapacityExceeded = errors.New("socket table at capacity")

	// ErrClosed is returned by operations on a reactor after Shutdown.
	ErrClosed = errors.New("reactor is not running")

	// ErrStaleHandle is returned when a handle does not reference a live
	// socket (already closed, or its slot was reused).
	ErrStaleHandle = errors.New("handle does not reference a live socket")

	// ErrNotStream is returned by stream-only operations on other sockets.
	ErrNotStream = errors.New("socket is not a connected stream socket")
)
