package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/reklamai/backend/internal/models"
)

// GenerationRepo is the durable record of every generation request. Rows are never deleted.
type GenerationRepo struct {
	pool *pgxpool.Pool
}

func NewGenerationRepo(pool *pgxpool.Pool) *GenerationRepo {
	return &GenerationRepo{pool: pool}
}

const generationColumns = `id, user_id, prompt, negative_prompt, preset_slug, model_slug, provider_model_id,
	aspect_ratio, duration, input_image_url, reference_image_url, params,
	status, progress, provider_task_id, result_url, result_urls, thumbnail_url, error_message, provider_response,
	credits_reserved, credits_final, created_at, started_at, completed_at, updated_at`

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	var final decimal.NullDecimal
	err := row.Scan(&g.ID, &g.UserID, &g.Prompt, &g.NegativePrompt, &g.PresetSlug, &g.ModelSlug, &g.ProviderModelID,
		&g.AspectRatio, &g.Duration, &g.InputImageURL, &g.ReferenceImageURL, &g.Params,
		&g.Status, &g.Progress, &g.ProviderTaskID, &g.ResultURL, &g.ResultURLs, &g.ThumbnailURL, &g.ErrorMessage, &g.ProviderResponse,
		&g.CreditsReserved, &final, &g.CreatedAt, &g.StartedAt, &g.CompletedAt, &g.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if final.Valid {
		g.CreditsFinal = &final.Decimal
	}
	return &g, nil
}

// CreateTx inserts a queued generation inside the given transaction.
func (r *GenerationRepo) CreateTx(ctx context.Context, tx pgx.Tx, g *models.Generation) error {
	params := g.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return tx.QueryRow(ctx, `
		INSERT INTO generations (id, user_id, prompt, negative_prompt, preset_slug, model_slug, provider_model_id,
			aspect_ratio, duration, input_image_url, reference_image_url, params, status, credits_reserved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, g.ID, g.UserID, g.Prompt, g.NegativePrompt, g.PresetSlug, g.ModelSlug, g.ProviderModelID,
		g.AspectRatio, g.Duration, g.InputImageURL, g.ReferenceImageURL, params, g.Status, g.CreditsReserved,
	).Scan(&g.CreatedAt, &g.UpdatedAt)
}

func (r *GenerationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	return scanGeneration(r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id))
}

// GetByIDForUser scopes the lookup to the owner so one user cannot read another's generation.
func (r *GenerationRepo) GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Generation, error) {
	return scanGeneration(r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1 AND user_id = $2`, id, userID))
}

// GetByProviderTaskID is the only lookup used by reconciliation.
func (r *GenerationRepo) GetByProviderTaskID(ctx context.Context, taskID string) (*models.Generation, error) {
	if taskID == "" {
		return nil, ErrNotFound
	}
	return scanGeneration(r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE provider_task_id = $1`, taskID))
}

// ListByUser returns one page of the user's generations (newest first) and the total count.
// An empty status matches every status.
func (r *GenerationRepo) ListByUser(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Generation, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generations WHERE user_id = $1 AND ($2 = '' OR status = $2)
	`, userID, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, userID, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := make([]*models.Generation, 0, limit)
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, g)
	}
	return list, total, rows.Err()
}

// ListStale returns up to limit generations still in status whose clock started before
// cutoff, oldest first. Processing rows count from started_at, queued rows from created_at.
func (r *GenerationRepo) ListStale(ctx context.Context, status string, cutoff time.Time, limit int) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE status = $1 AND COALESCE(started_at, created_at) < $2
		ORDER BY created_at LIMIT $3
	`, status, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

// MarkAcceptedTx moves a queued generation to processing and pins its provider task id.
// Returns nil when the generation is no longer queued or already carries a task id.
func (r *GenerationRepo) MarkAcceptedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, taskID string) (*models.Generation, error) {
	g, err := scanGeneration(tx.QueryRow(ctx, `
		UPDATE generations
		SET status = 'processing', provider_task_id = $2, started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued' AND provider_task_id = ''
		RETURNING `+generationColumns, id, taskID))
	if err == ErrNotFound {
		return nil, nil
	}
	return g, err
}

// UpdateProgress records interim progress on an open generation. Progress never moves backwards.
// Reports false when the generation is already terminal.
func (r *GenerationRepo) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, raw json.RawMessage) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations
		SET progress = GREATEST(progress, $2), provider_response = COALESCE($3, provider_response), updated_at = now()
		WHERE id = $1 AND status = ANY($4)
	`, id, progress, nullJSON(raw), models.OpenGenerationStatuses)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteTx is the compare-and-set terminal transition: it only matches a generation whose
// status is still open. Returns nil when another writer already finished the generation.
func (r *GenerationRepo) CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, c models.Completion) (*models.Generation, error) {
	urls := c.ResultURLs
	if urls == nil {
		urls = []string{}
	}
	g, err := scanGeneration(tx.QueryRow(ctx, `
		UPDATE generations
		SET status = $2,
			progress = CASE WHEN $2 = 'succeeded' THEN 100 ELSE progress END,
			result_url = $3, result_urls = $4, thumbnail_url = $5, error_message = $6,
			provider_response = COALESCE($7, provider_response),
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = ANY($8)
		RETURNING `+generationColumns,
		id, c.Status, c.ResultURL, urls, c.ThumbnailURL, c.ErrorMessage, nullJSON(c.ProviderResponse), models.OpenGenerationStatuses))
	if err == ErrNotFound {
		return nil, nil
	}
	return g, err
}

// SettleTx pins credits_final once. Reports false when the generation was already settled.
func (r *GenerationRepo) SettleTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, creditsFinal decimal.Decimal) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE generations SET credits_final = $2, updated_at = now()
		WHERE id = $1 AND credits_final IS NULL
	`, id, creditsFinal)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}
