package wire

import (
	"net"

	"github.com/pkg/errors"
	"github.com/zput/zwire/net/protocol"
	"github.com/zput/zwire/net/socktable"
	"golang.org/x/sys/unix"
)

// bufferSizeFloor / bufferSizeStep govern the best-effort receive/send
// buffer growth: step down from the hint until the kernel accepts a size or
// the floor is reached.
const (
	bufferSizeFloor = 65536
	bufferSizeStep  = 16384
)

// BindDatagram creates a non-blocking UDP socket bound to localAddress and
// registers it for datagram delivery. bufferSize is a best-effort hint for
// the socket receive/send buffers (0 accepts the system default); it is
// applied once and never revisited. A nil or wildcard address binds IPv4.
func (w *Wire) BindDatagram(localAddress *net.UDPAddr, ctx any, bufferSize int) (protocol.Handle, error) {
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

	fd, err := unix.Socket(family, unix.SOCK_DGRAM, 0)
	if err != nil {
		return protocol.NoHandle, errors.Wrap(err, "create datagram socket")
	}

	applyBufferSizeHint(fd, bufferSize)

	if family == unix.AF_INET6 {
		// Keep v6 binds v6-only so a dual bind on the same port works.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 0)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	setAvoidFragmentation(fd, family == unix.AF_INET6)

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return protocol.NoHandle, errors.Wrap(err, "bind datagram socket")
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
		Kind: socktable.KindUDP,
		Fd:   fd,
		Ctx:  ctx,
		Addr: udpAddrFromSockaddr(bound),
	}
	h, err := w.addRecord(rec)
	if err != nil {
		_ = unix.Close(fd)
		return protocol.NoHandle, err
	}

	rec.Ev.SetReadFunc(w.datagramReadFunc(h, rec))
	if err := rec.Ev.EnableReading(true); err != nil {
		w.closeRecord(h, rec, false)
		return protocol.NoHandle, err
	}
	return h, nil
}

// SendDatagram makes one non-blocking send and reports whether the OS
// accepted the whole payload. There is no retry; datagram delivery is
// all-or-nothing per call.
func (w *Wire) SendDatagram(h protocol.Handle, destAddress *net.UDPAddr, payload []byte) bool {
	rec, ok := w.table.Lookup(h)
	if !ok || rec.Kind != socktable.KindUDP || destAddress == nil {
		return false
	}
	sa, _, err := ipToSockaddr(destAddress.IP, destAddress.Port)
	if err != nil {
		return false
	}
	return unix.Sendto(rec.Fd, payload, 0, sa) == nil
}

func (w *Wire) datagramReadFunc(h protocol.Handle, rec *socktable.Record) protocol.DefaultFunction {
	return func() {
		n, sa, err := unix.Recvfrom(rec.Fd, w.buf, 0)
		if err != nil || n <= 0 {
			// A single failed receive is transient; datagram sockets are
			// never closed for it.
			return
		}
		from := udpAddrFromSockaddr(sa)
		w.protect("datagram", func() {
			w.handler.OnDatagram(h, &rec.Ctx, from, w.buf[:n])
		})
	}
}

func applyBufferSizeHint(fd int, hint int) {
	if hint <= 0 {
		return
	}
	for _, opt := range []int{unix.SO_RCVBUF, unix.SO_SNDBUF} {
		bs := hint
		for bs >= bufferSizeFloor {
			if unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, bs) == nil {
				break
			}
			bs -= bufferSizeStep
		}
	}
}
