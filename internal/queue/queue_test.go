package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/h3wt/wt3/internal/queue"
	"github.com/stretchr/testify/require"
)

func TestQueue_pushPopOrder(t *testing.T) {
	t.Parallel()

	q := queue.New[int]()
	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	require.True(t, q.Push(3))

	ctx := context.Background()
	for _, want := range []int{1, 2, 3} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestQueue_popBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := queue.New[string]()
	resCh := make(chan string, 1)
	go func() {
		v, err := q.Pop(context.Background())
		require.NoError(t, err)
		resCh <- v
	}()

	select {
	case <-resCh:
		t.Fatal("Pop returned before Push")
	case <-time.After(20 * time.Millisecond):
		// Expected: still blocked.
	}

	require.True(t, q.Push("hello"))

	select {
	case v := <-resCh:
		require.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestQueue_closeDrainsThenReturnsErrClosed(t *testing.T) {
	t.Parallel()

	q := queue.New[int]()
	require.True(t, q.Push(1))
	q.Close()

	// Buffered item is still delivered after Close.
	v, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)

	_, err = q.Pop(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)

	require.False(t, q.Push(2), "Push after Close must be rejected")
}

func TestQueue_closeAndDrainDiscardsBuffered(t *testing.T) {
	t.Parallel()

	q := queue.New[int]()
	require.True(t, q.Push(1))
	require.True(t, q.Push(2))

	var discarded []int
	q.CloseAndDrain(func(v int) {
		discarded = append(discarded, v)
	})

	require.Equal(t, []int{1, 2}, discarded)

	_, err := q.Pop(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
}

func TestQueue_popRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	q := queue.New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueue_multipleConsumersEachGetDistinctItems(t *testing.T) {
	t.Parallel()

	q := queue.New[int]()
	const n = 50
	for i := range n {
		require.True(t, q.Push(i))
	}

	seen := make(chan int, n)
	for range 5 {
		go func() {
			for {
				v, err := q.Pop(context.Background())
				if err != nil {
					return
				}
				seen <- v
			}
		}()
	}

	got := make(map[int]bool)
	for range n {
		v := <-seen
		require.False(t, got[v], "value %d delivered twice", v)
		got[v] = true
	}

	q.Close() // Let the idle consumer goroutines return.
}
