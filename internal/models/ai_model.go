package models

import "github.com/shopspring/decimal"

// AIModel is a read-only catalog row. The catalog is seeded outside this service.
type AIModel struct {
	Slug            string          `json:"slug"`
	Name            string          `json:"name"`
	ProviderModelID string          `json:"provider_model_id"`
	Category        string          `json:"category"`
	PriceMultiplier decimal.Decimal `json:"price_multiplier"`
	IsActive        bool            `json:"is_active"`
}
