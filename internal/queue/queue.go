// Package queue defines the job queue consumed by farm workers.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Dequeue once a closed queue is drained, and by
// Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO of jobs shared by a producer and a pool of workers.
type Queue[T any] interface {
	Enqueue(ctx context.Context, item T) error
	Dequeue(ctx context.Context) (T, error)
	Close()
}
