package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/reklamai/backend/internal/models"
)

const (
	// SweepInterval is how often the periodic sweep runs.
	SweepInterval = time.Minute

	// sweepSlack is added to the poll ceiling before a processing generation counts as
	// stuck. It covers River's retry backoff on the final attempts.
	sweepSlack = 10 * time.Minute
	// submitBudget is how long a generation may stay queued before it is failed.
	submitBudget = 15 * time.Minute
	sweepBatch   = 100

	staleSubmitReason = "provider submission did not complete in time"
)

// StaleLister finds open generations whose clock started before cutoff.
type StaleLister interface {
	ListStale(ctx context.Context, status string, cutoff time.Time, limit int) ([]*models.Generation, error)
}

// SweepStaleArgs triggers one sweep. It carries no data and is inserted periodically.
type SweepStaleArgs struct{}

func (SweepStaleArgs) Kind() string { return "sweep_stale_generations" }

func (SweepStaleArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueuePoll, MaxAttempts: 1}
}

// NewSweepJob is the periodic job that enqueues SweepStaleArgs every SweepInterval.
func NewSweepJob() *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(SweepInterval),
		func() (river.JobArgs, *river.InsertOpts) { return SweepStaleArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// SweepWorker fails generations whose poll chain or submission was lost, so every open
// generation is eventually settled even after River discards a job.
type SweepWorker struct {
	river.WorkerDefaults[SweepStaleArgs]
	orch   Orchestrator
	stale  StaleLister
	policy Policy
	clock  Clock
	logger *slog.Logger
}

func NewSweepWorker(orch Orchestrator, stale StaleLister, policy Policy, clock Clock, logger *slog.Logger) *SweepWorker {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepWorker{orch: orch, stale: stale, policy: policy, clock: clock, logger: logger}
}

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepStaleArgs]) error {
	_, err := w.Sweep(ctx)
	return err
}

// ProcessingDeadline is how long a generation may stay processing before the sweep times it out.
func (w *SweepWorker) ProcessingDeadline() time.Duration {
	return w.policy.Ceiling() + sweepSlack
}

// Sweep times out stuck processing generations and fails queued ones that never reached
// the provider. Both paths refund through the orchestrator's compare-and-set, so a row
// that finishes concurrently is left alone. Returns how many rows were failed.
func (w *SweepWorker) Sweep(ctx context.Context) (int, error) {
	now := w.clock.Now()
	var errs []error
	failed := 0

	stuck, err := w.stale.ListStale(ctx, models.GenerationStatusProcessing, now.Add(-w.ProcessingDeadline()), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}
	for _, g := range stuck {
		if err := w.orch.TimeOut(ctx, g.ID, w.policy.MaxAttempts); err != nil {
			errs = append(errs, fmt.Errorf("time out %s: %w", g.ID, err))
			continue
		}
		w.logger.Warn("sweep: processing generation timed out", "generation_id", g.ID, "task_id", g.ProviderTaskID)
		failed++
	}

	queued, err := w.stale.ListStale(ctx, models.GenerationStatusQueued, now.Add(-submitBudget), sweepBatch)
	if err != nil {
		return failed, errors.Join(append(errs, fmt.Errorf("list queued: %w", err))...)
	}
	for _, g := range queued {
		if err := w.orch.FailSubmission(ctx, g.ID, staleSubmitReason); err != nil {
			errs = append(errs, fmt.Errorf("fail submission %s: %w", g.ID, err))
			continue
		}
		w.logger.Warn("sweep: queued generation never submitted", "generation_id", g.ID)
		failed++
	}
	return failed, errors.Join(errs...)
}
