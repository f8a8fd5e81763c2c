// Package queue defines the work queue used to hand tasks to workers.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned once a queue is closed: by Dequeue after the buffer
// drains and by Enqueue immediately.
var ErrClosed = errors.New("queue closed")

// Queue is a context-aware FIFO of work items.
type Queue[T any] interface {
	// Enqueue blocks until the item is accepted or ctx ends.
	Enqueue(ctx context.Context, item T) error
	// Dequeue blocks until an item is available, the queue closes or ctx ends.
	Dequeue(ctx context.Context) (T, error)
}
