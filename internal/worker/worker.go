// Package worker runs the post-ingest pipeline for a record: enrichment,
// story clustering and cross-reference linking.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/ingest"
	"github.com/JakeFAU/newsdesk/internal/queue"
)

const defaultTaskTimeout = 5 * time.Minute

// Job is one record handed to the worker. Done receives exactly one Result
// and must have room for it.
type Job struct {
	Record ingest.Record
	Done   chan<- Result
}

// Result reports the record as it stands after the pipeline ran.
type Result struct {
	Record ingest.Record
	Links  int
	Err    error
}

// Enricher adds classification, summary and tags.
type Enricher interface {
	Enrich(ctx context.Context, record ingest.Record) ingest.Record
}

// Assigner places a record into a story.
type Assigner interface {
	Assign(ctx context.Context, record ingest.Record) (ingest.Record, error)
}

// Linker cross-references a record with related ones.
type Linker interface {
	Link(ctx context.Context, record ingest.Record) (int, error)
}

// Config controls Worker behavior.
type Config struct {
	// TaskTimeout bounds a single pipeline run.
	TaskTimeout time.Duration
}

// Worker consumes jobs and runs the pipeline for each.
type Worker struct {
	queue    queue.Queue[Job]
	records  ingest.RecordStore
	enricher Enricher
	assigner Assigner
	linker   Linker
	clock    ingest.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. enricher, assigner and linker may be nil to skip
// that step.
func New(
	q queue.Queue[Job],
	records ingest.RecordStore,
	enricher Enricher,
	assigner Assigner,
	linker Linker,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if clock == nil {
		clock = ingest.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    q,
		records:  records,
		enricher: enricher,
		assigner: assigner,
		linker:   linker,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}
}

// Run blocks, consuming jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued record", zap.String("record_id", job.Record.ID))
		taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
		record, links, err := w.Process(taskCtx, job.Record)
		cancel()
		if job.Done != nil {
			select {
			case job.Done <- Result{Record: record, Links: links, Err: err}:
			default:
				w.logger.Warn("completion handle full, dropping result", zap.String("record_id", job.Record.ID))
			}
		}
	}
}

// Process enriches record, persists it, then clusters and links it. A
// clustering failure is logged and linking still runs.
func (w *Worker) Process(ctx context.Context, record ingest.Record) (ingest.Record, int, error) {
	ctx, span := otel.Tracer("newsdesk/worker").Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("record.id", record.ID),
		attribute.String("record.source_id", record.SourceID),
	)

	if w.enricher != nil {
		record = w.enricher.Enrich(ctx, record)
		record.UpdatedAt = w.clock.Now()
		if err := w.records.Update(ctx, record); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return record, 0, fmt.Errorf("persist enriched record %s: %w", record.ID, err)
		}
	}

	if w.assigner != nil {
		clustered, err := w.assigner.Assign(ctx, record)
		if err != nil {
			span.RecordError(err)
			w.logger.Warn("clustering failed", zap.String("record_id", record.ID), zap.Error(err))
		} else {
			record = clustered
		}
	}

	links := 0
	if w.linker != nil {
		n, err := w.linker.Link(ctx, record)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return record, n, fmt.Errorf("link record %s: %w", record.ID, err)
		}
		links = n
	}

	if latest, err := w.records.Get(ctx, record.ID); err == nil {
		record = latest
	}
	w.logger.Debug("record processed",
		zap.String("record_id", record.ID),
		zap.String("story_id", record.StoryID),
		zap.Int("links", links),
	)
	return record, links, nil
}
