package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls atomic.Int64
	err   error
}

func (r *countingRunner) RunAll(context.Context) (int, error) {
	r.calls.Add(1)
	return 1, r.err
}

func TestRunStartsImmediatelyAndRepeats(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{}
	s := New(runner, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.Equal(t, runner.calls.Load(), s.Runs())
}

func TestRunKeepsGoingAfterErrors(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{err: errors.New("list sources: db down")}
	s := New(runner, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestNewDefaultsInterval(t *testing.T) {
	t.Parallel()

	s := New(&countingRunner{}, 0, nil)
	require.Equal(t, time.Minute, s.interval)
}
