package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zput/zwire/net/protocol"
)

// fakeRegistrar records the interest transitions an Event pushes through it.
type fakeRegistrar struct {
	modifies []protocol.EventType
	removed  bool
	fail     error
}

func (f *fakeRegistrar) ModifyEvent(e *Event) error {
	if f.fail != nil {
		return f.fail
	}
	f.modifies = append(f.modifies, e.GetEvents())
	return nil
}

func (f *fakeRegistrar) RemoveEvent(e *Event) error {
	f.removed = true
	return nil
}

func TestEventInterestToggles(t *testing.T) {
	reg := &fakeRegistrar{}
	ev := New(reg, 888)

	require.NoError(t, ev.EnableReading(true))
	assert.True(t, ev.IsReading())
	assert.Equal(t, protocol.EventRead, ev.GetEvents())
	assert.Equal(t, protocol.EventRead, ev.GetOldEvents(), "old interest tracks applied changes")

	require.NoError(t, ev.EnableWriting(true))
	assert.True(t, ev.IsWriting())
	require.NoError(t, ev.EnableErrorEvent(true))
	assert.Equal(t, protocol.EventRead|protocol.EventWrite|protocol.EventErr, ev.GetEvents())

	require.NoError(t, ev.EnableWriting(false))
	assert.False(t, ev.IsWriting())

	require.NoError(t, ev.DisableAll())
	assert.Equal(t, protocol.EventNone, ev.GetEvents())
	assert.Len(t, reg.modifies, 5)

	require.NoError(t, ev.RemoveFromLoop())
	assert.True(t, reg.removed)
}

func TestEventOldInterestKeptOnFailure(t *testing.T) {
	reg := &fakeRegistrar{}
	ev := New(reg, 7)
	require.NoError(t, ev.EnableReading(true))

	reg.fail = assert.AnError
	require.Error(t, ev.EnableWriting(true))
	assert.Equal(t, protocol.EventRead, ev.GetOldEvents(), "failed apply must not advance old interest")
}

func TestHandleEventDispatchOrder(t *testing.T) {
	ev := New(&fakeRegistrar{}, 3)

	var calls []string
	ev.SetReadFunc(func() { calls = append(calls, "read") })
	ev.SetWriteFunc(func() { calls = append(calls, "write") })
	ev.SetErrorFunc(func() { calls = append(calls, "error") })
	ev.SetCloseFunc(func() { calls = append(calls, "close") })

	ev.HandleEvent(protocol.EventRead | protocol.EventWrite | protocol.EventErr | protocol.EventClose)
	assert.Equal(t, []string{"close", "error", "write", "read"}, calls)
}

func TestHandleEventStopsAfterDetach(t *testing.T) {
	ev := New(&fakeRegistrar{}, 5)

	var calls []string
	ev.SetErrorFunc(func() {
		calls = append(calls, "error")
		ev.Detach() // the error handler closed the socket
	})
	ev.SetReadFunc(func() { calls = append(calls, "read") })

	ev.HandleEvent(protocol.EventErr | protocol.EventRead)
	assert.Equal(t, []string{"error"}, calls, "handlers after a close must not run")

	ev.HandleEvent(protocol.EventRead)
	assert.Equal(t, []string{"error"}, calls, "detached events dispatch nothing")
}

func TestNilHandlersIgnored(t *testing.T) {
	ev := New(&fakeRegistrar{}, 9)
	// No handlers set at all; dispatch must be a no-op, not a crash.
	ev.HandleEvent(protocol.EventRead | protocol.EventWrite | protocol.EventErr | protocol.EventClose)
}
