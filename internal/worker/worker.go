// Package worker runs farm jobs pulled from a queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/webfarm/internal/logging"
	"github.com/JakeFAU/webfarm/internal/metrics"
	"github.com/JakeFAU/webfarm/internal/queue"
)

// Handler processes one job. Its error is logged; the worker moves on.
type Handler[T any] func(ctx context.Context, job T) error

// Source is the consuming side of a queue.
type Source[T any] interface {
	Dequeue(ctx context.Context) (T, error)
}

// Worker pulls jobs until the queue is drained or ctx ends.
type Worker[T any] struct {
	id      int
	queue   Source[T]
	handle  Handler[T]
	logger  *zap.Logger
	label   func(T) string
	handled int
}

// New builds a worker. label names a job in logs and may be nil.
func New[T any](id int, q Source[T], handle Handler[T], label func(T) string, logger *zap.Logger) *Worker[T] {
	if label == nil {
		label = func(job T) string { return fmt.Sprint(job) }
	}
	return &Worker[T]{
		id:     id,
		queue:  q,
		handle: handle,
		label:  label,
		logger: logging.OrNop(logger).With(zap.Int("worker", id)),
	}
}

// Run blocks until the queue reports queue.ErrClosed or ctx is done.
func (w *Worker[T]) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, job)
	}
}

// Handled reports how many jobs this worker ran. Only valid after Run returns.
func (w *Worker[T]) Handled() int {
	return w.handled
}

func (w *Worker[T]) process(ctx context.Context, job T) {
	name := w.label(job)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()
	w.handled++
	w.logger.Debug("job started", zap.String("job", name))
	if err := w.handle(ctx, job); err != nil {
		w.logger.Warn("job finished with error", zap.String("job", name), zap.Error(err))
		return
	}
	w.logger.Debug("job finished", zap.String("job", name))
}
