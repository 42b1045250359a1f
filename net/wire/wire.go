// Package wire implements a single-threaded socket reactor: a socket table
// of UDP, TCP and listening descriptors, a level-triggered poll loop, and a
// dispatcher that drives the owner's callback contract. Every operation
// except Whack must run on the goroutine that calls Poll; other goroutines
// hand work over with RunInLoop.
package wire

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/zput/zwire/net/event"
	"github.com/zput/zwire/net/multiplex"
	"github.com/zput/zwire/net/protocol"
	"github.com/zput/zwire/net/socktable"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// maxReadChunk bounds how much one read event delivers to a callback.
const maxReadChunk = 0xFFFF

type Wire struct {
	opts    *protocol.Options
	handler protocol.EventHandler
	multi   *multiplex.Multiplex
	table   *socktable.Table
	log     *zap.SugaredLogger

	// functions holds closures posted by other goroutines; drained after
	// every wait, before Poll returns.
	functions *queue.Queue
	mutex     sync.Mutex

	// buf is the shared receive scratch; payload slices passed to callbacks
	// alias it and are only valid during the call.
	buf []byte

	shutdown atomic.Bool
}

// New 创建反应堆; handler 的六个回调都在 Poll 的goroutine里同步执行
func New(handler protocol.EventHandler, opts ...protocol.Option) (*Wire, error) {
	options := protocol.NewOptions(opts...)

	multi, err := multiplex.New(options.Logger)
	if err != nil {
		options.Logger.Errorf("create multiplex error[%v]; in Wire", err)
		return nil, err
	}

	return &Wire{
		opts:      options,
		handler:   handler,
		multi:     multi,
		table:     socktable.New(options.MaxSockets),
		log:       options.Logger,
		functions: queue.New(),
		buf:       make([]byte, maxReadChunk),
	}, nil
}

// Poll blocks until readiness, timeout, or a Whack, then dispatches every
// ready socket once and runs posted closures. A zero timeout waits without
// bound.
func (w *Wire) Poll(timeout time.Duration) error {
	if w.shutdown.Load() {
		return protocol.ErrClosed
	}
	err := w.multi.WaitEvent(w.handlerEventWrap, timeout)
	w.runAllFunctionInLoop()
	return err
}

func (w *Wire) handlerEventWrap(fd int, eventType protocol.EventType) {
	_, rec, ok := w.table.ByFd(fd)
	if !ok {
		// Closed earlier in this same cycle; drop the stale readiness.
		return
	}
	rec.Ev.HandleEvent(eventType)
}

// Whack forces a pending or future Poll to return promptly. This is the
// only method safe to call from another goroutine.
func (w *Wire) Whack() {
	if w.shutdown.Load() {
		return
	}
	if err := w.multi.Wake(); err != nil {
		w.log.Errorf("whack error[%v]", err)
	}
}

// RunInLoop posts fn for execution on the poll goroutine at the tail of the
// current or next cycle and whacks the loop so it happens promptly. This is
// how other goroutines add, remove or reconfigure sockets.
func (w *Wire) RunInLoop(fn func()) {
	w.mutex.Lock()
	w.functions.Add(fn)
	w.mutex.Unlock()

	w.Whack()
}

func (w *Wire) runAllFunctionInLoop() {
	for {
		w.mutex.Lock()
		if w.functions.Length() == 0 {
			w.mutex.Unlock()
			return
		}
		fn := w.functions.Remove().(func())
		w.mutex.Unlock()

		fn()
	}
}

// Count 当前socket数量
func (w *Wire) Count() int {
	return w.table.Len()
}

// MaxCount socket数量上限
func (w *Wire) MaxCount() int {
	return w.table.Cap()
}

// Close removes the socket, closes its descriptor, and — when callHandlers
// is set — fires the connect-failure callback for pending sockets or the
// close callback for connected ones. Listening and UDP sockets never get a
// close callback. Closing the socket currently being dispatched from its
// own callback is legal; pass callHandlers=false there to avoid recursing
// into the same callback.
func (w *Wire) Close(h protocol.Handle, callHandlers bool) error {
	rec, ok := w.table.Lookup(h)
	if !ok {
		return protocol.ErrStaleHandle
	}
	w.closeRecord(h, rec, callHandlers)
	return nil
}

func (w *Wire) closeRecord(h protocol.Handle, rec *socktable.Record, callHandlers bool) {
	if rec.Ev.Detached() {
		return
	}
	rec.Ev.Detach()

	if err := rec.Ev.RemoveFromLoop(); err != nil {
		w.log.Errorf("fd[%d] remove from poller error[%v]", rec.Fd, err)
	}
	if err := unix.Close(rec.Fd); err != nil {
		w.log.Errorf("fd[%d] close error[%v]", rec.Fd, err)
	}
	// Out of the table before any callback runs, so the handle is already
	// invalid by the time the owner observes the close.
	w.table.Remove(h)

	if !callHandlers {
		return
	}
	switch rec.Kind {
	case socktable.KindTCPOutPending:
		w.protect("connect", func() {
			w.handler.OnTCPConnect(h, &rec.Ctx, false)
		})
	case socktable.KindTCPOutConnected, socktable.KindTCPIn:
		w.protect("close", func() {
			w.handler.OnTCPClose(h, &rec.Ctx)
		})
	}
}

// Shutdown closes every remaining socket with callbacks suppressed, then
// the poller and its wakeup channel. Must run on the poll goroutine; the
// reactor is unusable afterwards.
func (w *Wire) Shutdown() {
	if !w.shutdown.CompareAndSwap(false, true) {
		return
	}
	w.table.Range(func(h protocol.Handle, rec *socktable.Record) bool {
		w.closeRecord(h, rec, false)
		return true
	})
	if err := w.multi.Close(); err != nil {
		w.log.Errorf("close multiplex error[%v]", err)
	}
}

// Context returns the user value slot for a live socket.
func (w *Wire) Context(h protocol.Handle) (*any, error) {
	rec, ok := w.table.Lookup(h)
	if !ok {
		return nil, protocol.ErrStaleHandle
	}
	return &rec.Ctx, nil
}

// LocalAddr returns the bound address: the stored one for UDP and listening
// sockets, the live socket name otherwise.
func (w *Wire) LocalAddr(h protocol.Handle) (net.Addr, error) {
	rec, ok := w.table.Lookup(h)
	if !ok {
		return nil, protocol.ErrStaleHandle
	}
	switch rec.Kind {
	case socktable.KindUDP, socktable.KindTCPListen:
		return rec.Addr, nil
	}
	sa, err := unix.Getsockname(rec.Fd)
	if err != nil {
		return nil, err
	}
	return tcpAddrFromSockaddr(sa), nil
}

// PeerAddr returns the remote address of a stream socket: the accepted
// peer for inbound, the connected or target peer for outbound.
func (w *Wire) PeerAddr(h protocol.Handle) (net.Addr, error) {
	rec, ok := w.table.Lookup(h)
	if !ok {
		return nil, protocol.ErrStaleHandle
	}
	if rec.Kind == socktable.KindUDP || rec.Kind == socktable.KindTCPListen {
		return nil, protocol.ErrNotStream
	}
	return rec.Addr, nil
}

// ModifyEvent implements event.Registrar.
func (w *Wire) ModifyEvent(ev *event.Event) error {
	return w.multi.ModifyEvent(ev.GetFd(), ev.GetOldEvents(), ev.GetEvents())
}

// RemoveEvent implements event.Registrar.
func (w *Wire) RemoveEvent(ev *event.Event) error {
	return w.multi.RemoveEvent(ev.GetFd(), ev.GetOldEvents())
}

// addRecord registers the record in the table and the poller with no
// interest yet; the caller enables what the socket kind needs.
func (w *Wire) addRecord(rec *socktable.Record) (protocol.Handle, error) {
	h, err := w.table.Register(rec)
	if err != nil {
		return protocol.NoHandle, err
	}
	rec.Ev = event.New(w, rec.Fd)
	if err := w.multi.AddEvent(rec.Fd, protocol.EventNone); err != nil {
		w.table.Remove(h)
		return protocol.NoHandle, err
	}
	return h, nil
}

// protect is the fault boundary around every callback: a panic is logged
// and dropped so one misbehaving handler cannot take down the loop or skip
// the rest of the cycle.
func (w *Wire) protect(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("%s handler panic[%v]", what, r)
		}
	}()
	fn()
}
