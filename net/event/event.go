package event

import (
	"github.com/zput/zwire/net/protocol"
)

// Registrar is implemented by the owner of the readiness sets; interest
// changes on an Event are pushed through it to the platform poller.
type Registrar interface {
	ModifyEvent(event *Event) error
	RemoveEvent(event *Event) error
}

// Event tracks the declared read/write/error interest of one descriptor and
// holds the handler slots the dispatcher runs when the descriptor is ready.
type Event struct {
	eventFd   int
	events    protocol.EventType
	oldEvents protocol.EventType
	detached  bool

	registrar Registrar

	readHandle  protocol.DefaultFunction
	writeHandle protocol.DefaultFunction
	errorHandle protocol.DefaultFunction
	closeHandle protocol.DefaultFunction
}

func New(registrar Registrar, eventFd int) *Event {
	return &Event{
		eventFd:   eventFd,
		registrar: registrar,
	}
}

func (e *Event) EnableReading(isEnable bool) error {
	if isEnable {
		e.events |= protocol.EventRead
	} else {
		e.events &= ^protocol.EventRead
	}
	return e.update()
}

func (e *Event) EnableWriting(isEnable bool) error {
	if isEnable {
		e.events |= protocol.EventWrite
	} else {
		e.events &= ^protocol.EventWrite
	}
	return e.update()
}

func (e *Event) EnableErrorEvent(isEnable bool) error {
	if isEnable {
		e.events |= protocol.EventErr
	} else {
		e.events &= ^protocol.EventErr
	}
	return e.update()
}

func (e *Event) DisableAll() error {
	e.events = protocol.EventNone
	return e.update()
}

func (e *Event) IsWriting() bool {
	return e.events&protocol.EventWrite != protocol.EventNone
}

func (e *Event) IsReading() bool {
	return e.events&protocol.EventRead != protocol.EventNone
}

func (e *Event) GetFd() int {
	return e.eventFd
}

func (e *Event) GetEvents() protocol.EventType {
	return e.events
}

// GetOldEvents returns the interest the poller last applied; the kqueue
// backend diffs old against new to build its change list.
func (e *Event) GetOldEvents() protocol.EventType {
	return e.oldEvents
}

// Detach marks the event dead so a pending HandleEvent dispatch cannot run
// handlers for a descriptor that was closed mid-cycle.
func (e *Event) Detach() {
	e.detached = true
}

func (e *Event) Detached() bool {
	return e.detached
}

func (e *Event) SetReadFunc(function protocol.DefaultFunction) {
	e.readHandle = function
}

func (e *Event) SetWriteFunc(function protocol.DefaultFunction) {
	e.writeHandle = function
}

func (e *Event) SetErrorFunc(function protocol.DefaultFunction) {
	e.errorHandle = function
}

func (e *Event) SetCloseFunc(function protocol.DefaultFunction) {
	e.closeHandle = function
}

func (e *Event) update() error {
	if e.detached {
		return nil
	}
	err := e.registrar.ModifyEvent(e)
	if err == nil {
		e.oldEvents = e.events
	}
	return err
}

func (e *Event) RemoveFromLoop() error {
	return e.registrar.RemoveEvent(e)
}

// HandleEvent 分发一次poll结果; close/error 在 write/read 之前
func (e *Event) HandleEvent(revents protocol.EventType) {
	if revents&protocol.EventClose != protocol.EventNone {
		if e.detached {
			return
		}
		if e.closeHandle != nil {
			e.closeHandle()
		}
	}
	if revents&protocol.EventErr != protocol.EventNone {
		if e.detached {
			return
		}
		if e.errorHandle != nil {
			e.errorHandle()
		}
	}
	if revents&protocol.EventWrite != protocol.EventNone {
		if e.detached {
			return
		}
		if e.writeHandle != nil {
			e.writeHandle()
		}
	}
	if revents&protocol.EventRead != protocol.EventNone {
		if e.detached {
			return
		}
		if e.readHandle != nil {
			e.readHandle()
		}
	}
}
