package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghostlend/protocol/internal/clearing"
)

type countingSettler struct{ calls atomic.Int32 }

func (c *countingSettler) Run(context.Context) (*clearing.RunResult, error) {
	c.calls.Add(1)
	return &clearing.RunResult{}, nil
}

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) LiquidateOverdue(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

// panickyIndexer panics on its first run, then blocks until ctx is done.
type panickyIndexer struct{ runs atomic.Int32 }

func (p *panickyIndexer) Run(ctx context.Context, _ <-chan struct{}, _ time.Duration) {
	if p.runs.Add(1) == 1 {
		panic("replica exploded")
	}
	<-ctx.Done()
}

func TestScheduler_RunsCronJobs(t *testing.T) {
	settler, sweeper := &countingSettler{}, &countingSweeper{}
	s := New(settler, sweeper, nil, nil, Config{
		SettleSpec:    "@every 1s",
		LiquidateSpec: "@every 1s",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		return settler.calls.Load() > 0 && sweeper.calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	s.Wait()
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := New(&countingSettler{}, nil, nil, nil, Config{SettleSpec: "every tuesday"}, nil)
	err := s.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "settle spec")
}

func TestScheduler_RestartsIndexerAfterPanic(t *testing.T) {
	ix := &panickyIndexer{}
	s := New(nil, nil, ix, nil, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return ix.runs.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() { s.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_SkipsJobsAfterCancel(t *testing.T) {
	settler := &countingSettler{}
	s := New(settler, nil, nil, nil, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.settle(ctx)
	require.Zero(t, settler.calls.Load())
}
