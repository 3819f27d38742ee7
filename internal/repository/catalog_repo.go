package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reklamai/backend/internal/models"
)

// CatalogRepo reads the AI model catalog. Seeding happens elsewhere.
type CatalogRepo struct {
	pool *pgxpool.Pool
}

func NewCatalogRepo(pool *pgxpool.Pool) *CatalogRepo {
	return &CatalogRepo{pool: pool}
}

const modelColumns = `slug, name, provider_model_id, category, price_multiplier, is_active`

func scanModel(row pgx.Row) (*models.AIModel, error) {
	var m models.AIModel
	if err := row.Scan(&m.Slug, &m.Name, &m.ProviderModelID, &m.Category, &m.PriceMultiplier, &m.IsActive); err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// GetActiveModel returns the active catalog entry for slug or ErrNotFound.
func (r *CatalogRepo) GetActiveModel(ctx context.Context, slug string) (*models.AIModel, error) {
	return scanModel(r.pool.QueryRow(ctx, `SELECT `+modelColumns+` FROM ai_models WHERE slug = $1 AND is_active`, slug))
}

// ListActive returns active models ordered by name. An empty category matches all.
func (r *CatalogRepo) ListActive(ctx context.Context, category string) ([]*models.AIModel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+modelColumns+` FROM ai_models
		WHERE is_active AND ($1 = '' OR category = $1)
		ORDER BY name
	`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.AIModel{}
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}
