package dispatcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webfarm/internal/queue"
	"github.com/JakeFAU/webfarm/internal/queue/memory"
)

func TestDispatcherDrainsQueue(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []string
	d := New[string](memory.NewQueue[string](8), 3, func(_ context.Context, job string) error {
		mu.Lock()
		seen = append(seen, job)
		mu.Unlock()
		return nil
	}, func(job string) string { return job }, nil)
	require.Equal(t, 3, d.Size())

	for _, p := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, d.Enqueue(context.Background(), p))
	}
	d.Close()

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not drain the queue")
	}
	sort.Strings(seen)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	t.Parallel()

	d := New[int](memory.NewQueue[int](1), 0, func(context.Context, int) error { return nil }, nil, nil)
	require.Equal(t, 1, d.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

type errorQueue struct{ err error }

func (q errorQueue) Enqueue(context.Context, string) error { return q.err }

func (q errorQueue) Dequeue(context.Context) (string, error) { return "", queue.ErrClosed }

func (errorQueue) Close() {}

func TestDispatcherEnqueueWrapsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	d := New[string](errorQueue{err: boom}, 1, nil, nil, nil)
	err := d.Enqueue(context.Background(), "shop")
	require.ErrorIs(t, err, boom)
	require.EqualError(t, err, "queue enqueue: boom")
}
