package socktable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zput/zwire/net/protocol"
)

func TestRegisterLookupRemove(t *testing.T) {
	table := New(16)

	rec := &Record{Kind: KindUDP, Fd: 100}
	h, err := table.Register(rec)
	require.NoError(t, err)
	require.NotEqual(t, protocol.NoHandle, h)
	assert.Equal(t, 1, table.Len())

	got, ok := table.Lookup(h)
	require.True(t, ok)
	assert.Same(t, rec, got)

	fh, frec, ok := table.ByFd(100)
	require.True(t, ok)
	assert.Equal(t, h, fh)
	assert.Same(t, rec, frec)

	removed, ok := table.Remove(h)
	require.True(t, ok)
	assert.Same(t, rec, removed)
	assert.Equal(t, 0, table.Len())

	_, ok = table.Lookup(h)
	assert.False(t, ok)
	_, _, ok = table.ByFd(100)
	assert.False(t, ok)
}

// A handle must survive arbitrary interleavings of other registrations and
// removals.
func TestHandleStability(t *testing.T) {
	table := New(128)

	keeper := &Record{Kind: KindTCPListen, Fd: 1}
	kh, err := table.Register(keeper)
	require.NoError(t, err)

	var churn []protocol.Handle
	for i := 0; i < 64; i++ {
		h, err := table.Register(&Record{Kind: KindTCPIn, Fd: 1000 + i})
		require.NoError(t, err)
		churn = append(churn, h)
	}
	for _, h := range churn[:32] {
		_, ok := table.Remove(h)
		require.True(t, ok)
	}
	for i := 0; i < 32; i++ {
		_, err := table.Register(&Record{Kind: KindUDP, Fd: 2000 + i})
		require.NoError(t, err)
	}

	got, ok := table.Lookup(kh)
	require.True(t, ok)
	assert.Same(t, keeper, got)
	for _, h := range churn[32:] {
		_, ok := table.Lookup(h)
		assert.True(t, ok)
	}
}

// A stale handle whose slot was reused must not alias the new occupant.
func TestStaleHandleRejected(t *testing.T) {
	table := New(4)

	first := &Record{Kind: KindTCPIn, Fd: 7}
	h1, err := table.Register(first)
	require.NoError(t, err)
	_, ok := table.Remove(h1)
	require.True(t, ok)

	second := &Record{Kind: KindTCPIn, Fd: 8}
	h2, err := table.Register(second)
	require.NoError(t, err)

	i1, _ := splitHandle(h1)
	i2, _ := splitHandle(h2)
	require.Equal(t, i1, i2, "slot should be reused")
	require.NotEqual(t, h1, h2, "generation should differ")

	_, ok = table.Lookup(h1)
	assert.False(t, ok)
	got, ok := table.Lookup(h2)
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestCapacity(t *testing.T) {
	table := New(2)

	_, err := table.Register(&Record{Fd: 1})
	require.NoError(t, err)
	h2, err := table.Register(&Record{Fd: 2})
	require.NoError(t, err)

	_, err = table.Register(&Record{Fd: 3})
	assert.ErrorIs(t, err, protocol.ErrCapacityExceeded)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, 2, table.Cap())

	// Freeing one slot makes registration possible again.
	_, ok := table.Remove(h2)
	require.True(t, ok)
	_, err = table.Register(&Record{Fd: 4})
	assert.NoError(t, err)
}

func TestRangeVisitsEachOnce(t *testing.T) {
	table := New(8)
	want := map[int]bool{}
	for i := 0; i < 5; i++ {
		_, err := table.Register(&Record{Fd: 10 + i})
		require.NoError(t, err)
		want[10+i] = false
	}

	table.Range(func(h protocol.Handle, rec *Record) bool {
		seen, ok := want[rec.Fd]
		require.True(t, ok)
		require.False(t, seen, "fd %d visited twice", rec.Fd)
		want[rec.Fd] = true
		return true
	})
	for fd, seen := range want {
		assert.True(t, seen, "fd %d not visited", fd)
	}
}

func TestRangeRemoveCurrent(t *testing.T) {
	table := New(8)
	for i := 0; i < 4; i++ {
		_, err := table.Register(&Record{Fd: 20 + i})
		require.NoError(t, err)
	}

	visited := 0
	table.Range(func(h protocol.Handle, rec *Record) bool {
		visited++
		_, ok := table.Remove(h)
		require.True(t, ok)
		return true
	})
	assert.Equal(t, 4, visited)
	assert.Equal(t, 0, table.Len())
}
