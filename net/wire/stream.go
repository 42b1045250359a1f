package wire

import (
	"net"

	"github.com/pkg/errors"
	"github.com/zput/zwire/net/protocol"
	"github.com/zput/zwire/net/socktable"
	"golang.org/x/sys/unix"
)

const listenBacklog = unix.SOMAXCONN

// Listen binds a non-blocking listening socket. Readiness on it yields one
// accepted connection per poll cycle, reported through OnTCPAccept.
func (w *Wire) Listen(localAddress *net.TCPAddr, ctx any) (protocol.Handle, error) {
	if w.shutdown.Load() {
		return protocol.NoHandle, protocol.ErrClosed
	}
	if w.table.Len() >= w.table.Cap() {
		return protocol.NoHandle, protocol.ErrCapacityExceeded
	}

	var ip net.IP
	var port int
	if localAddress != nil {
		ip, port = localAddress.IP, localAddress.Port
	}
	sa, family, err := ipToSockaddr(ip, port)
	if err != nil {
		return protocol.NoHandle, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return protocol.NoHandle, errors.Wrap(err, "create stream socket")
	}

	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if family == unix.AF_INET6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return protocol.NoHandle, errors.Wrap(err, "bind stream socket")
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return protocol.NoHandle, errors.Wrap(err, "listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return protocol.NoHandle, errors.Wrap(err, "set nonblock")
	}
	unix.CloseOnExec(fd)

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return protocol.NoHandle, errors.Wrap(err, "getsockname")
	}

	rec := &socktable.Record{
		Kind: socktable.KindTCPListen,
		Fd:   fd,
		Ctx:  ctx,
		Addr: tcpAddrFromSockaddr(bound),
	}
	h, err := w.addRecord(rec)
	if err != nil {
		_ = unix.Close(fd)
		return protocol.NoHandle, err
	}

	rec.Ev.SetReadFunc(w.acceptFunc(h, rec))
	if err := rec.Ev.EnableReading(true); err != nil {
		w.closeRecord(h, rec, false)
		return protocol.NoHandle, err
	}
	return h, nil
}

// Connect issues a non-blocking connect and returns its handle immediately;
// completion is observed during a later poll, never synchronously, and is
// reported through OnTCPConnect exactly once.
func (w *Wire) Connect(remoteAddress *net.TCPAddr, ctx any) (protocol.Handle, error) {
	if w.shutdown.Load() {
		return protocol.NoHandle, protocol.ErrClosed
	}
	if w.table.Len() >= w.table.Cap() {
		return protocol.NoHandle, protocol.ErrCapacityExceeded
	}
	if remoteAddress == nil {
		return protocol.NoHandle, errors.New("nil remote address")
	}

	sa, family, err := ipToSockaddr(remoteAddress.IP, remoteAddress.Port)
	if err != nil {
		return protocol.NoHandle, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return protocol.NoHandle, errors.Wrap(err, "create stream socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return protocol.NoHandle, errors.Wrap(err, "set nonblock")
	}
	unix.CloseOnExec(fd)
	if w.opts.NoDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return protocol.NoHandle, errors.Wrap(err, "connect")
	}

	rec := &socktable.Record{
		Kind: socktable.KindTCPOutPending,
		Fd:   fd,
		Ctx:  ctx,
		Addr: remoteAddress,
	}
	h, err := w.addRecord(rec)
	if err != nil {
		_ = unix.Close(fd)
		return protocol.NoHandle, err
	}

	rec.Ev.SetWriteFunc(w.connectProbeFunc(h, rec))
	rec.Ev.SetErrorFunc(func() { w.closeRecord(h, rec, true) })
	rec.Ev.SetCloseFunc(func() { w.closeRecord(h, rec, true) })

	// Pending sockets watch read, write and error; write-readiness is the
	// completion signal, error-readiness the failure one.
	if err := rec.Ev.EnableReading(true); err != nil {
		w.closeRecord(h, rec, false)
		return protocol.NoHandle, err
	}
	_ = rec.Ev.EnableWriting(true)
	_ = rec.Ev.EnableErrorEvent(true)
	return h, nil
}

// Send makes a single non-blocking send attempt on a connected or accepted
// socket and returns how many bytes the OS accepted, possibly zero. The
// remainder is the caller's to resubmit, typically on the next writable
// notification.
func (w *Wire) Send(h protocol.Handle, payload []byte) int {
	rec, ok := w.table.Lookup(h)
	if !ok {
		return 0
	}
	if rec.Kind != socktable.KindTCPOutConnected && rec.Kind != socktable.KindTCPIn {
		return 0
	}
	n, err := unix.Write(rec.Fd, payload)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetNotifyWritable toggles write-interest for a connected or accepted
// socket. While armed, OnTCPWritable fires once per poll cycle; it is never
// disarmed automatically. Takes effect by the next poll, or immediately if
// followed by Whack from another goroutine.
func (w *Wire) SetNotifyWritable(h protocol.Handle, notifyWritable bool) error {
	rec, ok := w.table.Lookup(h)
	if !ok {
		return protocol.ErrStaleHandle
	}
	if rec.Kind != socktable.KindTCPOutConnected && rec.Kind != socktable.KindTCPIn {
		return protocol.ErrNotStream
	}
	return rec.Ev.EnableWriting(notifyWritable)
}

// acceptFunc handles read-readiness on a listening socket: exactly one
// accept per observation, so one readiness never monopolizes the cycle.
func (w *Wire) acceptFunc(lh protocol.Handle, lrec *socktable.Record) protocol.DefaultFunction {
	return func() {
		nfd, sa, err := unix.Accept(lrec.Fd)
		if err != nil {
			// EAGAIN, ECONNABORTED and friends: try again next cycle.
			return
		}
		if w.table.Len() >= w.table.Cap() {
			// At capacity the OS-level connection is dropped silently: no
			// record, no callback.
			_ = unix.Close(nfd)
			return
		}

		_ = unix.SetNonblock(nfd, true)
		unix.CloseOnExec(nfd)
		if w.opts.NoDelay {
			_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}

		peer := tcpAddrFromSockaddr(sa)
		rec := &socktable.Record{
			Kind: socktable.KindTCPIn,
			Fd:   nfd,
			Addr: peer,
		}
		nh, err := w.addRecord(rec)
		if err != nil {
			_ = unix.Close(nfd)
			return
		}

		w.setupStream(nh, rec)
		if err := rec.Ev.EnableReading(true); err != nil {
			w.closeRecord(nh, rec, false)
			return
		}

		w.protect("accept", func() {
			w.handler.OnTCPAccept(lh, nh, &lrec.Ctx, &rec.Ctx, peer)
		})
	}
}

// connectProbeFunc handles write-readiness on a pending socket: probe the
// peer name to tell success from failure, as error-readiness alone is not
// delivered on every platform.
func (w *Wire) connectProbeFunc(h protocol.Handle, rec *socktable.Record) protocol.DefaultFunction {
	return func() {
		sa, err := unix.Getpeername(rec.Fd)
		if err != nil {
			// Pending close surfaces as OnTCPConnect(success=false).
			w.closeRecord(h, rec, true)
			return
		}

		rec.Kind = socktable.KindTCPOutConnected
		rec.Addr = tcpAddrFromSockaddr(sa)
		w.setupStream(h, rec)
		_ = rec.Ev.EnableWriting(false)
		_ = rec.Ev.EnableReading(true)

		w.protect("connect", func() {
			w.handler.OnTCPConnect(h, &rec.Ctx, true)
		})
	}
}

func (w *Wire) setupStream(h protocol.Handle, rec *socktable.Record) {
	rec.Ev.SetReadFunc(w.streamReadFunc(h, rec))
	rec.Ev.SetWriteFunc(w.streamWritableFunc(h, rec))
	rec.Ev.SetErrorFunc(func() { w.closeRecord(h, rec, true) })
	rec.Ev.SetCloseFunc(func() { w.closeRecord(h, rec, true) })
}

func (w *Wire) streamReadFunc(h protocol.Handle, rec *socktable.Record) protocol.DefaultFunction {
	return func() {
		n, err := unix.Read(rec.Fd, w.buf)
		if n <= 0 || err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			// Peer closed or the read failed.
			w.closeRecord(h, rec, true)
			return
		}
		w.protect("data", func() {
			w.handler.OnTCPData(h, &rec.Ctx, w.buf[:n])
		})
	}
}

func (w *Wire) streamWritableFunc(h protocol.Handle, rec *socktable.Record) protocol.DefaultFunction {
	return func() {
		// A callback earlier in this cycle may have disarmed the interest.
		if !rec.Ev.IsWriting() {
			return
		}
		w.protect("writable", func() {
			w.handler.OnTCPWritable(h, &rec.Ctx)
		})
	}
}
