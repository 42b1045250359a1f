//go:build linux
// +build linux

package multiplex

import (
	"time"

	"github.com/pkg/errors"
	"github.com/zput/zwire/net/protocol"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const waitEventsNumber = 1024

// Multiplex Epoll封装; wakeEventFd 用于跨线程唤醒
type Multiplex struct {
	fd          int // epoll fd
	wakeEventFd int
	waitEvents  []unix.EpollEvent
	wakeBuf     []byte
	log         *zap.SugaredLogger
}

// New 创建Poller对象
func New(log *zap.SugaredLogger) (*Multiplex, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}

	wakeEventFd, err := newWakeFd(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &Multiplex{
		fd:          fd,
		wakeEventFd: wakeEventFd,
		waitEvents:  make([]unix.EpollEvent, waitEventsNumber),
		wakeBuf:     make([]byte, 8),
		log:         log,
	}, nil
}

// newWakeFd registers an eventfd so a write from any goroutine interrupts
// the wait. The receive side is always read-registered.
func newWakeFd(epollFd int) (int, error) {
	wakeEventFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return 0, errors.Wrap(err, "create eventfd")
	}

	err = unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, wakeEventFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeEventFd),
	})
	if err != nil {
		_ = unix.Close(wakeEventFd)
		return 0, errors.Wrap(err, "register eventfd")
	}
	return wakeEventFd, nil
}

func epollEventsFromIOEvent(eventType protocol.EventType) (events uint32) {
	if eventType&protocol.EventRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if eventType&protocol.EventWrite != 0 {
		events |= unix.EPOLLOUT
	}
	// EPOLLERR and EPOLLHUP are delivered regardless of registration.
	return events
}

func (m *Multiplex) epollCtrl(op int, fd int, eventType protocol.EventType) error {
	var epollEvent = unix.EpollEvent{
		Events: epollEventsFromIOEvent(eventType),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(m.fd, op, fd, &epollEvent)
}

func (m *Multiplex) AddEvent(fd int, events protocol.EventType) error {
	if err := m.epollCtrl(unix.EPOLL_CTL_ADD, fd, events); err != nil {
		return errors.Wrap(err, "epoll add")
	}
	return nil
}

// ModifyEvent 修改fd关注的事件; oldEvents 只有kqueue需要
func (m *Multiplex) ModifyEvent(fd int, oldEvents, newEvents protocol.EventType) error {
	if err := m.epollCtrl(unix.EPOLL_CTL_MOD, fd, newEvents); err != nil {
		return errors.Wrap(err, "epoll mod")
	}
	return nil
}

func (m *Multiplex) RemoveEvent(fd int, oldEvents protocol.EventType) error {
	if err := m.epollCtrl(unix.EPOLL_CTL_DEL, fd, protocol.EventNone); err != nil {
		return errors.Wrap(err, "epoll del")
	}
	return nil
}

// WaitEvent blocks up to timeout (zero means forever) and feeds every ready
// descriptor to embedHandler. The wakeup descriptor is drained internally
// and never surfaced; coalesced wakeups collapse into one drain.
func (m *Multiplex) WaitEvent(embedHandler protocol.WaitHandler, timeout time.Duration) error {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}

	n, err := unix.EpollWait(m.fd, m.waitEvents, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return errors.Wrap(err, "epoll wait")
	}

	for i := 0; i < n; i++ {
		fd := int(m.waitEvents[i].Fd)
		if fd == m.wakeEventFd {
			m.wakeHandlerRead()
			continue
		}

		var rEvents protocol.EventType
		if ((m.waitEvents[i].Events & unix.EPOLLHUP) != 0) && ((m.waitEvents[i].Events & unix.EPOLLIN) == 0) {
			rEvents |= protocol.EventClose
		}
		if m.waitEvents[i].Events&unix.EPOLLERR != 0 {
			rEvents |= protocol.EventErr
		}
		if m.waitEvents[i].Events&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
			rEvents |= protocol.EventRead
		}
		if m.waitEvents[i].Events&unix.EPOLLOUT != 0 {
			rEvents |= protocol.EventWrite
		}
		embedHandler(fd, rEvents)
	}

	if n == len(m.waitEvents) {
		m.waitEvents = make([]unix.EpollEvent, n*2)
	}
	return nil
}

var wakeBytes = []byte{1, 0, 0, 0, 0, 0, 0, 0}

// Wake 唤醒 epoll; 唯一允许跨线程调用的操作
func (m *Multiplex) Wake() error {
	_, err := unix.Write(m.wakeEventFd, wakeBytes)
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "write eventfd")
	}
	return nil
}

func (m *Multiplex) wakeHandlerRead() {
	n, err := unix.Read(m.wakeEventFd, m.wakeBuf)
	if err != nil || n != 8 {
		m.log.Errorf("drain eventfd: n=%d err=%v", n, err)
	}
}

// Close 关闭 epoll
func (m *Multiplex) Close() error {
	_ = unix.Close(m.wakeEventFd)
	return unix.Close(m.fd)
}
