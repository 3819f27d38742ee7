package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/reklamai/backend/internal/models"
	"github.com/reklamai/backend/internal/repository"
)

// PollWorker runs one poll attempt per job and schedules the next until the generation
// is terminal or the policy is exhausted.
type PollWorker struct {
	river.WorkerDefaults[PollGenerationArgs]
	orch      Orchestrator
	gateway   Gateway
	scheduler Scheduler
	policy    Policy
	clock     Clock
	logger    *slog.Logger
}

func NewPollWorker(orch Orchestrator, gateway Gateway, scheduler Scheduler, policy Policy, clock Clock, logger *slog.Logger) *PollWorker {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollWorker{orch: orch, gateway: gateway, scheduler: scheduler, policy: policy, clock: clock, logger: logger}
}

func (w *PollWorker) Timeout(*river.Job[PollGenerationArgs]) time.Duration { return 30 * time.Second }

func (w *PollWorker) Work(ctx context.Context, job *river.Job[PollGenerationArgs]) error {
	return w.RunAttempt(ctx, job.Args)
}

// RunAttempt performs one whole attempt. Re-running an attempt is safe: reconciliation is
// idempotent and the follow-up schedule is deduplicated by its args.
func (w *PollWorker) RunAttempt(ctx context.Context, args PollGenerationArgs) error {
	log := w.logger.With("generation_id", args.GenerationID, "task_id", args.ProviderTaskID, "attempt", args.Attempt)

	g, err := w.orch.Get(ctx, args.GenerationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("poll: generation not found")
			return nil
		}
		return fmt.Errorf("load generation: %w", err)
	}
	if models.IsTerminalStatus(g.Status) {
		log.Debug("poll: generation already terminal", "status", g.Status)
		return nil
	}
	if g.ProviderTaskID != args.ProviderTaskID {
		log.Warn("poll: task id does not match generation", "stored_task_id", g.ProviderTaskID)
		return nil
	}

	st, err := w.gateway.FetchStatus(ctx, args.ProviderTaskID)
	if err != nil {
		log.Warn("poll: status check failed", "error", err)
	} else {
		out, err := w.orch.Reconcile(ctx, st.Event(args.ProviderTaskID, models.SourcePoll))
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		if out.Generation != nil && models.IsTerminalStatus(out.Generation.Status) {
			log.Info("poll: generation finished", "status", out.Generation.Status, "applied", out.Applied)
			return nil
		}
		log.Debug("poll: still processing", "progress", st.Progress)
	}

	if w.policy.Exhausted(args.Attempt) {
		log.Warn("poll: attempts exhausted")
		return w.orch.TimeOut(ctx, args.GenerationID, args.Attempt)
	}
	return w.scheduler.SchedulePoll(ctx, args.Next(), w.policy.NextAt(w.clock.Now()))
}
