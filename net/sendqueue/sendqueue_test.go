package sendqueue

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushEmpty(t *testing.T) {
	q := New()
	defer q.Release()

	called := false
	drained := q.Flush(func(p []byte) int {
		called = true
		return len(p)
	})
	assert.True(t, drained)
	assert.False(t, called, "empty queue must not attempt a send")
}

func TestFlushAllAccepted(t *testing.T) {
	q := New()
	defer q.Release()

	q.Push([]byte("hello "))
	q.Push([]byte("world"))
	require.Equal(t, 11, q.Pending())

	var got bytes.Buffer
	drained := q.Flush(func(p []byte) int {
		got.Write(p)
		return len(p)
	})
	assert.True(t, drained)
	assert.True(t, q.Empty())
	assert.Equal(t, "hello world", got.String())
}

func TestFlushPartialAccept(t *testing.T) {
	q := New()
	defer q.Release()

	q.Push([]byte("abcdefgh"))

	// The kernel takes three bytes per attempt.
	var got bytes.Buffer
	for i := 0; i < 2; i++ {
		drained := q.Flush(func(p []byte) int {
			n := 3
			if n > len(p) {
				n = len(p)
			}
			got.Write(p[:n])
			return n
		})
		assert.False(t, drained)
	}
	assert.Equal(t, 2, q.Pending())

	drained := q.Flush(func(p []byte) int {
		got.Write(p)
		return len(p)
	})
	assert.True(t, drained)
	assert.Equal(t, "abcdefgh", got.String())
}

func TestFlushZeroAccepted(t *testing.T) {
	q := New()
	defer q.Release()

	q.Push([]byte("payload"))
	drained := q.Flush(func(p []byte) int { return 0 })
	assert.False(t, drained)
	assert.Equal(t, 7, q.Pending())
}

func TestPushAfterPartialFlushKeepsOrder(t *testing.T) {
	q := New()
	defer q.Release()

	q.Push([]byte("12345"))
	q.Flush(func(p []byte) int { return 2 })
	q.Push([]byte("67890"))

	var got bytes.Buffer
	for !q.Flush(func(p []byte) int {
		got.Write(p)
		return len(p)
	}) {
	}
	assert.Equal(t, "34567890", got.String())
}
