// Package dispatcher hands records to the enrichment workers and returns a
// completion handle per submission.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/newsdesk/internal/ingest"
	"github.com/JakeFAU/newsdesk/internal/queue"
	"github.com/JakeFAU/newsdesk/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers. The pipeline runs
// with a single worker so enrichment calls never overlap.
type Dispatcher struct {
	queue   queue.Queue[worker.Job]
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(q queue.Queue[worker.Job], workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit enqueues record and returns a channel that receives its result.
func (d *Dispatcher) Submit(ctx context.Context, record ingest.Record) (<-chan worker.Result, error) {
	done := make(chan worker.Result, 1)
	if err := d.queue.Enqueue(ctx, worker.Job{Record: record, Done: done}); err != nil {
		return nil, fmt.Errorf("queue enqueue: %w", err)
	}
	return done, nil
}

// Await blocks until the handle delivers or ctx ends.
func Await(ctx context.Context, handle <-chan worker.Result) (worker.Result, error) {
	select {
	case res := <-handle:
		return res, res.Err
	case <-ctx.Done():
		return worker.Result{}, fmt.Errorf("await enrichment: %w", ctx.Err())
	}
}
