package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/reklamai/backend/internal/database"
	"github.com/reklamai/backend/internal/execution"
	"github.com/reklamai/backend/internal/models"
	"github.com/reklamai/backend/internal/provider"
	"github.com/reklamai/backend/internal/repository"
)

const (
	DefaultAspectRatio = "16:9"
	DefaultDuration    = 10

	defaultFailureMessage = "provider reported failure"
	cancelMessage         = "cancelled by user"
)

var (
	// ErrNotFound is returned when the generation does not exist or belongs to another user.
	ErrNotFound = repository.ErrNotFound
	// ErrNotCancellable is returned when cancelling a generation that already finished.
	ErrNotCancellable = errors.New("generation can no longer be cancelled")
	// ErrTimedOut prefixes the error message of generations that exhausted their poll attempts.
	ErrTimedOut = errors.New("generation timed out")
)

// Store is the generation record store. Transitions are compare-and-set on status.
type Store interface {
	CreateTx(ctx context.Context, tx pgx.Tx, g *models.Generation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Generation, error)
	GetByProviderTaskID(ctx context.Context, taskID string) (*models.Generation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Generation, int, error)
	MarkAcceptedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, taskID string) (*models.Generation, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, raw json.RawMessage) (bool, error)
	CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, c models.Completion) (*models.Generation, error)
	ListStale(ctx context.Context, status string, cutoff time.Time, limit int) ([]*models.Generation, error)
}

// Ledger is the credit surface the orchestrator drives. Every call joins the caller's transaction.
type Ledger interface {
	Reserve(ctx context.Context, tx pgx.Tx, ownerID, generationID uuid.UUID, amount decimal.Decimal) (*models.CreditTransaction, error)
	Finalize(ctx context.Context, tx pgx.Tx, g *models.Generation) (bool, error)
	Refund(ctx context.Context, tx pgx.Tx, g *models.Generation) (bool, error)
}

// Request is a new generation as submitted by a user.
type Request struct {
	Prompt            string         `json:"prompt"`
	NegativePrompt    string         `json:"negative_prompt"`
	PresetSlug        string         `json:"preset_slug"`
	ModelSlug         string         `json:"model_slug"`
	AspectRatio       string         `json:"aspect_ratio"`
	Duration          int            `json:"duration"`
	InputImageURL     string         `json:"input_image_url"`
	ReferenceImageURL string         `json:"reference_image_url"`
	Params            map[string]any `json:"params"`
}

// Service owns the generation state machine. Reconcile is the single entry point for
// provider observations, whether they come from a poll attempt or a webhook.
type Service struct {
	db        database.TxBeginner
	store     Store
	ledger    Ledger
	pricer    Pricer
	scheduler execution.Scheduler
	policy    execution.Policy
	clock     execution.Clock
	logger    *slog.Logger
}

type Option func(*Service)

// WithPolicy sets the poll policy used to schedule the first attempt.
func WithPolicy(p execution.Policy) Option { return func(s *Service) { s.policy = p } }

// WithClock replaces the wall clock.
func WithClock(c execution.Clock) Option { return func(s *Service) { s.clock = c } }

func NewService(db database.TxBeginner, store Store, ledger Ledger, pricer Pricer, scheduler execution.Scheduler, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		db:        db,
		store:     store,
		ledger:    ledger,
		pricer:    pricer,
		scheduler: scheduler,
		policy:    execution.DefaultPolicy,
		clock:     execution.SystemClock{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ execution.Orchestrator = (*Service)(nil)
	_ execution.StaleLister  = (*Service)(nil)
)

// Create prices the request, inserts the generation, reserves its credits and enqueues
// the provider submission in one transaction. Nothing persists if any step fails.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, req Request) (*models.Generation, error) {
	quote, err := s.pricer.Quote(ctx, req.ModelSlug)
	if err != nil {
		return nil, fmt.Errorf("price generation: %w", err)
	}
	g, err := newGeneration(userID, req, quote)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.store.CreateTx(ctx, tx, g); err != nil {
		return nil, fmt.Errorf("insert generation: %w", err)
	}
	if _, err := s.ledger.Reserve(ctx, tx, userID, g.ID, g.CreditsReserved); err != nil {
		return nil, err
	}
	if err := s.scheduler.EnqueueSubmitTx(ctx, tx, execution.SubmitGenerationArgs{GenerationID: g.ID}); err != nil {
		return nil, fmt.Errorf("enqueue submit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("generation created", "generation_id", g.ID, "user_id", userID, "model", g.ModelSlug, "credits", g.CreditsReserved.String())
	return g, nil
}

func newGeneration(userID uuid.UUID, req Request, quote Quote) (*models.Generation, error) {
	g := &models.Generation{
		ID:                uuid.New(),
		UserID:            userID,
		Prompt:            strings.TrimSpace(req.Prompt),
		NegativePrompt:    req.NegativePrompt,
		PresetSlug:        req.PresetSlug,
		ModelSlug:         req.ModelSlug,
		ProviderModelID:   quote.ProviderModelID,
		AspectRatio:       req.AspectRatio,
		Duration:          req.Duration,
		InputImageURL:     req.InputImageURL,
		ReferenceImageURL: req.ReferenceImageURL,
		Status:            models.GenerationStatusQueued,
		CreditsReserved:   quote.Cost,
	}
	if g.AspectRatio == "" {
		g.AspectRatio = DefaultAspectRatio
	}
	if g.Duration == 0 {
		g.Duration = DefaultDuration
	}
	if len(req.Params) > 0 {
		raw, err := marshalParams(req.Params)
		if err != nil {
			return nil, err
		}
		g.Params = raw
	}
	return g, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	return s.store.GetByID(ctx, id)
}

// GetForUser returns ErrNotFound for generations owned by someone else.
func (s *Service) GetForUser(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error) {
	return s.store.GetByIDForUser(ctx, id, userID)
}

// List returns one page of the user's generations, newest first, and the total count.
func (s *Service) List(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Generation, int, error) {
	return s.store.ListByUser(ctx, userID, status, limit, offset)
}

// ListStale returns open generations in status whose clock started before cutoff.
func (s *Service) ListStale(ctx context.Context, status string, cutoff time.Time, limit int) ([]*models.Generation, error) {
	return s.store.ListStale(ctx, status, cutoff, limit)
}

// MarkAccepted stores the provider task id and schedules poll attempt 1 in the same
// transaction. Returns nil when the generation had already left queued.
func (s *Service) MarkAccepted(ctx context.Context, id uuid.UUID, taskID string) (*models.Generation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	g, err := s.store.MarkAcceptedTx(ctx, tx, id, taskID)
	if err != nil {
		return nil, fmt.Errorf("mark accepted: %w", err)
	}
	if g == nil {
		return nil, nil
	}
	first := execution.PollGenerationArgs{GenerationID: id, ProviderTaskID: taskID, Attempt: 1}
	if err := s.scheduler.SchedulePollTx(ctx, tx, first, s.policy.NextAt(s.clock.Now())); err != nil {
		return nil, fmt.Errorf("schedule first poll: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// FailSubmission fails a generation the provider never accepted and refunds it.
func (s *Service) FailSubmission(ctx context.Context, id uuid.UUID, reason string) error {
	_, _, err := s.complete(ctx, id, models.Completion{Status: models.GenerationStatusFailed, ErrorMessage: reason})
	return err
}

// TimeOut fails a generation whose poll attempts ran out and refunds it.
func (s *Service) TimeOut(ctx context.Context, id uuid.UUID, attempts int) error {
	msg := fmt.Sprintf("%s after %d poll attempts", ErrTimedOut, attempts)
	g, applied, err := s.complete(ctx, id, models.Completion{Status: models.GenerationStatusFailed, ErrorMessage: msg})
	if err != nil {
		return err
	}
	if applied {
		s.logger.Warn("generation timed out", "generation_id", g.ID, "attempts", attempts)
	}
	return nil
}

// Cancel moves an open generation to cancelled and refunds it.
func (s *Service) Cancel(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error) {
	g, err := s.store.GetByIDForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalStatus(g.Status) {
		return nil, ErrNotCancellable
	}
	g, applied, err := s.complete(ctx, id, models.Completion{Status: models.GenerationStatusCancelled, ErrorMessage: cancelMessage})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrNotCancellable
	}
	return g, nil
}

// Reconcile applies one provider observation. An unknown task id yields Found false; an
// observation on a terminal generation is acknowledged with Applied false. Replays are safe.
func (s *Service) Reconcile(ctx context.Context, ev models.StatusEvent) (models.ReconcileOutcome, error) {
	g, err := s.store.GetByProviderTaskID(ctx, ev.TaskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.ReconcileOutcome{}, nil
		}
		return models.ReconcileOutcome{}, fmt.Errorf("load generation: %w", err)
	}
	if models.IsTerminalStatus(g.Status) {
		return models.ReconcileOutcome{Found: true, Generation: g}, nil
	}

	switch ev.State {
	case models.GenerationStatusProcessing:
		applied, err := s.store.UpdateProgress(ctx, g.ID, provider.ClampProgress(ev.Progress), ev.Raw)
		if err != nil {
			return models.ReconcileOutcome{}, fmt.Errorf("update progress: %w", err)
		}
		if g, err = s.store.GetByID(ctx, g.ID); err != nil {
			return models.ReconcileOutcome{}, err
		}
		return models.ReconcileOutcome{Found: true, Applied: applied, Generation: g}, nil

	case models.GenerationStatusSucceeded, models.GenerationStatusFailed:
		c := models.Completion{
			Status:           ev.State,
			ResultURL:        ev.ResultURL,
			ResultURLs:       ev.ResultURLs,
			ThumbnailURL:     ev.ThumbnailURL,
			ErrorMessage:     ev.ErrorMessage,
			ProviderResponse: ev.Raw,
		}
		if c.ResultURL == "" && len(c.ResultURLs) > 0 {
			c.ResultURL = c.ResultURLs[0]
		}
		if c.Status == models.GenerationStatusFailed && c.ErrorMessage == "" {
			c.ErrorMessage = defaultFailureMessage
		}
		done, applied, err := s.complete(ctx, g.ID, c)
		if err != nil {
			return models.ReconcileOutcome{}, err
		}
		if applied {
			s.logger.Info("generation finished", "generation_id", done.ID, "status", done.Status, "source", ev.Source)
		}
		return models.ReconcileOutcome{Found: true, Applied: applied, Generation: done}, nil
	}
	return models.ReconcileOutcome{}, fmt.Errorf("unknown provider state %q", ev.State)
}

// complete runs the terminal compare-and-set and the matching ledger effect in one
// transaction. When the generation was already terminal it returns the stored row and false.
func (s *Service) complete(ctx context.Context, id uuid.UUID, c models.Completion) (*models.Generation, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	g, err := s.store.CompleteTx(ctx, tx, id, c)
	if err != nil {
		return nil, false, fmt.Errorf("complete generation: %w", err)
	}
	if g == nil {
		_ = tx.Rollback(ctx)
		current, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	if err := s.settle(ctx, tx, g); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return g, true, nil
}

func (s *Service) settle(ctx context.Context, tx pgx.Tx, g *models.Generation) error {
	final := decimal.Zero
	if g.Status == models.GenerationStatusSucceeded {
		if _, err := s.ledger.Finalize(ctx, tx, g); err != nil {
			return fmt.Errorf("finalize credits: %w", err)
		}
		final = g.CreditsReserved
	} else {
		if _, err := s.ledger.Refund(ctx, tx, g); err != nil {
			return fmt.Errorf("refund credits: %w", err)
		}
	}
	g.CreditsFinal = &final
	return nil
}
