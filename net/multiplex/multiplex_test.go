package multiplex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zput/zwire/net/protocol"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func newPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestWaitEventReadReady(t *testing.T) {
	m, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)
	defer m.Close()

	rd, wr := newPair(t)
	require.NoError(t, m.AddEvent(rd, protocol.EventNone))
	require.NoError(t, m.ModifyEvent(rd, protocol.EventNone, protocol.EventRead))

	_, err = unix.Write(wr, []byte("ready"))
	require.NoError(t, err)

	var gotFd int
	var gotEvents protocol.EventType
	require.NoError(t, m.WaitEvent(func(fd int, eventType protocol.EventType) {
		gotFd = fd
		gotEvents = eventType
	}, time.Second))

	assert.Equal(t, rd, gotFd)
	assert.NotZero(t, gotEvents&protocol.EventRead)
}

func TestWaitEventTimeout(t *testing.T) {
	m, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)
	defer m.Close()

	start := time.Now()
	require.NoError(t, m.WaitEvent(func(fd int, eventType protocol.EventType) {
		t.Errorf("unexpected event fd=%d", fd)
	}, 50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWakeInterruptsWait(t *testing.T) {
	m, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)
	defer m.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = m.Wake()
	}()

	start := time.Now()
	// Zero timeout: wait without bound until the wakeup arrives.
	require.NoError(t, m.WaitEvent(func(fd int, eventType protocol.EventType) {
		t.Errorf("wakeup must not surface as a socket event, got fd=%d", fd)
	}, 0))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWakeCoalesces(t *testing.T) {
	m, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Wake())
	}
	// All pending wakeups collapse into (at least) one returned wait.
	require.NoError(t, m.WaitEvent(func(int, protocol.EventType) {}, time.Second))

	// And the channel was drained: the next wait times out instead of
	// spinning on a stale wakeup.
	start := time.Now()
	require.NoError(t, m.WaitEvent(func(int, protocol.EventType) {}, 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRemoveEventStopsDelivery(t *testing.T) {
	m, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)
	defer m.Close()

	rd, wr := newPair(t)
	require.NoError(t, m.AddEvent(rd, protocol.EventNone))
	require.NoError(t, m.ModifyEvent(rd, protocol.EventNone, protocol.EventRead))
	require.NoError(t, m.RemoveEvent(rd, protocol.EventRead))

	_, err = unix.Write(wr, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, m.WaitEvent(func(fd int, eventType protocol.EventType) {
		t.Errorf("event delivered after removal: fd=%d", fd)
	}, 100*time.Millisecond))
}
