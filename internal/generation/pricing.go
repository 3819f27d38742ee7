package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/reklamai/backend/internal/models"
	"github.com/reklamai/backend/internal/repository"
)

var (
	// BaseCost is charged when no model is named.
	BaseCost = decimal.NewFromInt(1)
	// UnknownModelCost is charged for a model slug missing from the catalog.
	UnknownModelCost = decimal.NewFromInt(5)
)

// Quote is the credit cost and provider model resolved for a request.
type Quote struct {
	Cost            decimal.Decimal
	ProviderModelID string
}

// Pricer resolves the cost of a generation before it is reserved.
type Pricer interface {
	Quote(ctx context.Context, modelSlug string) (Quote, error)
}

// Catalog is the read-only model catalog.
type Catalog interface {
	GetActiveModel(ctx context.Context, slug string) (*models.AIModel, error)
	ListActive(ctx context.Context, category string) ([]*models.AIModel, error)
}

// CatalogPricer prices a generation from the model catalog's price multiplier.
type CatalogPricer struct {
	catalog Catalog
}

func NewCatalogPricer(catalog Catalog) *CatalogPricer {
	return &CatalogPricer{catalog: catalog}
}

func (p *CatalogPricer) Quote(ctx context.Context, modelSlug string) (Quote, error) {
	if modelSlug == "" {
		return Quote{Cost: BaseCost}, nil
	}
	m, err := p.catalog.GetActiveModel(ctx, modelSlug)
	if errors.Is(err, repository.ErrNotFound) {
		return Quote{Cost: UnknownModelCost, ProviderModelID: modelSlug}, nil
	}
	if err != nil {
		return Quote{}, err
	}
	q := Quote{Cost: m.PriceMultiplier, ProviderModelID: m.ProviderModelID}
	if q.ProviderModelID == "" {
		q.ProviderModelID = m.Slug
	}
	if !q.Cost.IsPositive() {
		return Quote{}, fmt.Errorf("model %q has non-positive price %s", modelSlug, q.Cost)
	}
	return q, nil
}

// ListModels returns the active catalog, optionally filtered by category.
func (p *CatalogPricer) ListModels(ctx context.Context, category string) ([]*models.AIModel, error) {
	return p.catalog.ListActive(ctx, category)
}

func marshalParams(params map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}
