package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
)

type SweepArgs struct{}

func (SweepArgs) Kind() string { return "sweep_stale_jobs" }

// Sweeper finalizes jobs stuck in processing and refunds their cost.
type Sweeper interface {
	SweepAllStale(ctx context.Context, ttl time.Duration) (int, error)
}

// SweepWorker runs the periodic global sweep. The per-user opportunistic
// sweep on job listing covers active users; this one guarantees refunds for
// users who never come back.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper Sweeper
	ttl     time.Duration
}

func NewSweepWorker(sweeper Sweeper, ttl time.Duration) *SweepWorker {
	return &SweepWorker{sweeper: sweeper, ttl: ttl}
}

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	if _, err := w.sweeper.SweepAllStale(ctx, w.ttl); err != nil {
		return fmt.Errorf("sweep stale jobs: %w", err)
	}
	return nil
}
