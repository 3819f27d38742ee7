package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/reklamai/backend/internal/models"
	"github.com/reklamai/backend/internal/provider"
	"github.com/reklamai/backend/internal/repository"
)

// Orchestrator is the contract the workers need to drive a generation's state machine.
type Orchestrator interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	MarkAccepted(ctx context.Context, id uuid.UUID, taskID string) (*models.Generation, error)
	FailSubmission(ctx context.Context, id uuid.UUID, reason string) error
	Reconcile(ctx context.Context, ev models.StatusEvent) (models.ReconcileOutcome, error)
	TimeOut(ctx context.Context, id uuid.UUID, attempts int) error
}

// Gateway is the provider surface the workers call.
type Gateway interface {
	Submit(ctx context.Context, spec provider.TaskSpec) (string, error)
	FetchStatus(ctx context.Context, taskID string) (*provider.Status, error)
}

type SubmitWorker struct {
	river.WorkerDefaults[SubmitGenerationArgs]
	orch        Orchestrator
	gateway     Gateway
	callbackURL string
	logger      *slog.Logger
}

func NewSubmitWorker(orch Orchestrator, gateway Gateway, callbackURL string, logger *slog.Logger) *SubmitWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitWorker{orch: orch, gateway: gateway, callbackURL: callbackURL, logger: logger}
}

func (w *SubmitWorker) Timeout(*river.Job[SubmitGenerationArgs]) time.Duration { return time.Minute }

func (w *SubmitWorker) Work(ctx context.Context, job *river.Job[SubmitGenerationArgs]) error {
	return w.Submit(ctx, job.Args, job.Attempt >= job.MaxAttempts)
}

// Submit sends the generation to the provider. Transient failures are returned for River
// to retry unless lastAttempt is set, in which case the generation fails and is refunded.
func (w *SubmitWorker) Submit(ctx context.Context, args SubmitGenerationArgs, lastAttempt bool) error {
	g, err := w.orch.Get(ctx, args.GenerationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			w.logger.Warn("submit: generation not found", "generation_id", args.GenerationID)
			return nil
		}
		return fmt.Errorf("load generation: %w", err)
	}
	if g.Status != models.GenerationStatusQueued || g.ProviderTaskID != "" {
		w.logger.Info("submit: generation already past queued", "generation_id", g.ID, "status", g.Status)
		return nil
	}

	taskID, err := w.gateway.Submit(ctx, provider.TaskSpecFor(g, w.callbackURL))
	if err != nil {
		var submitErr *provider.SubmitError
		if !errors.As(err, &submitErr) && !lastAttempt {
			w.logger.Warn("submit: provider unreachable, will retry", "generation_id", g.ID, "error", err)
			return err
		}
		w.logger.Error("submit: provider rejected generation", "generation_id", g.ID, "error", err)
		if ferr := w.orch.FailSubmission(ctx, g.ID, err.Error()); ferr != nil {
			return fmt.Errorf("submit failed (%v) AND failed to mark generation failed: %w", err, ferr)
		}
		return nil
	}

	accepted, err := w.orch.MarkAccepted(ctx, g.ID, taskID)
	if err != nil {
		// A retry would submit again and orphan taskID. The sweep fails and refunds the
		// generation once it has sat queued past the submit budget.
		w.logger.Error("submit: provider accepted but task id was not stored", "generation_id", g.ID, "task_id", taskID, "error", err)
		return river.JobCancel(fmt.Errorf("mark accepted task %s: %w", taskID, err))
	}
	if accepted == nil {
		w.logger.Warn("submit: generation left queued before the provider accepted it", "generation_id", g.ID, "task_id", taskID)
		return nil
	}
	w.logger.Info("generation submitted", "generation_id", g.ID, "task_id", taskID)
	return nil
}
