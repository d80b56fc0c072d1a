// Package dispatcher fans farm jobs out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/queue"
	"github.com/JakeFAU/webfarm/internal/worker"
)

// Dispatcher owns a queue and the workers draining it.
type Dispatcher[T any] struct {
	queue   queue.Queue[T]
	workers []*worker.Worker[T]
}

// New creates n workers (at least one) sharing q and handle.
func New[T any](q queue.Queue[T], n int, handle worker.Handler[T], label func(T) string, logger *zap.Logger) *Dispatcher[T] {
	if n < 1 {
		n = 1
	}
	workers := make([]*worker.Worker[T], n)
	for i := range workers {
		workers[i] = worker.New(i+1, q, handle, label, logger)
	}
	return &Dispatcher[T]{queue: q, workers: workers}
}

// Run starts all workers and blocks until every one has stopped, which
// happens once the queue is closed and drained or ctx ends.
func (d *Dispatcher[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker[T]) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher[T]) Enqueue(ctx context.Context, job T) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Close stops accepting jobs; queued jobs still run.
func (d *Dispatcher[T]) Close() {
	d.queue.Close()
}

// Size is the number of workers.
func (d *Dispatcher[T]) Size() int {
	return len(d.workers)
}
