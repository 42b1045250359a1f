//go:build darwin || freebsd || dragonfly
// +build darwin freebsd dragonfly

package multiplex

import (
	"time"

	"github.com/pkg/errors"
	"github.com/zput/zwire/net/protocol"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const waitEventsNumber = 1024

// wakeIdent is the EVFILT_USER identity used for cross-thread wakeups; it
// never collides with a socket because (ident, filter) pairs are distinct.
const wakeIdent = 0

// Multiplex Kqueue封装
type Multiplex struct {
	fd         int // kqueue fd
	waitEvents []unix.Kevent_t
	log        *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) (*Multiplex, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "kqueue create")
	}
	_, err = unix.Kevent(fd, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "register user event")
	}

	return &Multiplex{
		fd:         fd,
		waitEvents: make([]unix.Kevent_t, waitEventsNumber),
		log:        log,
	}, nil
}

func (m *Multiplex) AddEvent(fd int, events protocol.EventType) error {
	return m.applyEvents(fd, protocol.EventNone, events, "kqueue add")
}

// ModifyEvent 修改fd关注的事件; 按old/new差异增删filter
func (m *Multiplex) ModifyEvent(fd int, oldEvents, newEvents protocol.EventType) error {
	return m.applyEvents(fd, oldEvents, newEvents, "kqueue mod")
}

func (m *Multiplex) RemoveEvent(fd int, oldEvents protocol.EventType) error {
	return m.applyEvents(fd, oldEvents, protocol.EventNone, "kqueue del")
}

func (m *Multiplex) applyEvents(fd int, old, new protocol.EventType, what string) error {
	kEvents := m.kEvents(old, new, fd)
	if len(kEvents) == 0 {
		return nil
	}
	if _, err := unix.Kevent(m.fd, kEvents, nil, nil); err != nil {
		return errors.Wrap(err, what)
	}
	return nil
}

func (m *Multiplex) kEvents(old, new protocol.EventType, fd int) (ret []unix.Kevent_t) {
	if new&protocol.EventRead != 0 {
		if old&protocol.EventRead == 0 {
			ret = append(ret, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: unix.EVFILT_READ})
		}
	} else {
		if old&protocol.EventRead != 0 {
			ret = append(ret, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_READ})
		}
	}

	if new&protocol.EventWrite != 0 {
		if old&protocol.EventWrite == 0 {
			ret = append(ret, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: unix.EVFILT_WRITE})
		}
	} else {
		if old&protocol.EventWrite != 0 {
			ret = append(ret, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_WRITE})
		}
	}
	// Error conditions surface as EV_ERROR/EV_EOF on the read and write
	// filters; there is no separate registration for them.
	return
}

// WaitEvent blocks up to timeout (zero means forever) and feeds every ready
// descriptor to embedHandler. User-event wakeups are consumed internally.
func (m *Multiplex) WaitEvent(embedHandler protocol.WaitHandler, timeout time.Duration) error {
	var tsPtr *unix.Timespec
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsPtr = &ts
	}

	n, err := unix.Kevent(m.fd, nil, m.waitEvents, tsPtr)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return errors.Wrap(err, "kqueue wait")
	}

	for i := 0; i < n; i++ {
		if m.waitEvents[i].Filter == unix.EVFILT_USER {
			continue // wakeup, already consumed by EV_CLEAR
		}
		fd := int(m.waitEvents[i].Ident)

		var rEvents protocol.EventType
		if (m.waitEvents[i].Flags&unix.EV_ERROR != 0) || (m.waitEvents[i].Flags&unix.EV_EOF != 0) {
			rEvents |= protocol.EventErr
		}
		if m.waitEvents[i].Filter == unix.EVFILT_WRITE {
			rEvents |= protocol.EventWrite
		}
		if m.waitEvents[i].Filter == unix.EVFILT_READ {
			rEvents |= protocol.EventRead
		}
		embedHandler(fd, rEvents)
	}

	if n == len(m.waitEvents) {
		m.waitEvents = make([]unix.Kevent_t, n*2)
	}
	return nil
}

// Wake 唤醒 kqueue; 唯一允许跨线程调用的操作
func (m *Multiplex) Wake() error {
	_, err := unix.Kevent(m.fd, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	if err != nil {
		return errors.Wrap(err, "trigger user event")
	}
	return nil
}

// Close 关闭 kqueue
func (m *Multiplex) Close() error {
	return unix.Close(m.fd)
}
