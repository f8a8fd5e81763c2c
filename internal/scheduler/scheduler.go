// Package scheduler triggers acquisition runs on a fixed cadence.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Runner performs one acquisition pass over all due sources.
type Runner interface {
	RunAll(ctx context.Context) (int, error)
}

// Scheduler calls RunAll on every tick. Ticks that arrive while a pass is
// still running are dropped rather than queued.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *zap.Logger
	runs     atomic.Int64
}

// New constructs a Scheduler.
func New(runner Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger.Named("scheduler")}
}

// Run performs an immediate pass, then one per interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Runs reports how many passes have completed.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	n, err := s.runner.RunAll(ctx)
	s.runs.Add(1)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("scheduled run failed", zap.Error(err))
		}
		return
	}
	s.logger.Debug("scheduled run finished", zap.Int("new_records", n), zap.Duration("duration", time.Since(start)))
}
