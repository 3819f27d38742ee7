package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one forward-only schema step. Versions are applied in order.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations is the ordered schema history of the service.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "create_credit_accounts",
		SQL: `
CREATE TABLE IF NOT EXISTS credit_accounts (
    id           UUID PRIMARY KEY,
    owner_id     UUID NOT NULL UNIQUE,
    balance      NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    total_earned NUMERIC(12,2) NOT NULL DEFAULT 0,
    total_spent  NUMERIC(12,2) NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
	{
		Version: 2,
		Name:    "create_ai_models",
		SQL: `
CREATE TABLE IF NOT EXISTS ai_models (
    slug              TEXT PRIMARY KEY,
    name              TEXT NOT NULL DEFAULT '',
    provider_model_id TEXT NOT NULL DEFAULT '',
    category          TEXT NOT NULL DEFAULT 'image',
    price_multiplier  NUMERIC(12,2) NOT NULL DEFAULT 1,
    is_active         BOOLEAN NOT NULL DEFAULT TRUE
);`,
	},
	{
		Version: 3,
		Name:    "create_generations",
		SQL: `
CREATE TABLE IF NOT EXISTS generations (
    id                  UUID PRIMARY KEY,
    user_id             UUID NOT NULL,
    prompt              TEXT NOT NULL DEFAULT '',
    negative_prompt     TEXT NOT NULL DEFAULT '',
    preset_slug         TEXT NOT NULL DEFAULT '',
    model_slug          TEXT NOT NULL DEFAULT '',
    provider_model_id   TEXT NOT NULL DEFAULT '',
    aspect_ratio        TEXT NOT NULL DEFAULT '16:9',
    duration            INT NOT NULL DEFAULT 10,
    input_image_url     TEXT NOT NULL DEFAULT '',
    reference_image_url TEXT NOT NULL DEFAULT '',
    params              JSONB NOT NULL DEFAULT '{}',
    status              TEXT NOT NULL DEFAULT 'queued',
    progress            INT NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
    provider_task_id    TEXT NOT NULL DEFAULT '',
    result_url          TEXT NOT NULL DEFAULT '',
    result_urls         JSONB NOT NULL DEFAULT '[]',
    thumbnail_url       TEXT NOT NULL DEFAULT '',
    error_message       TEXT NOT NULL DEFAULT '',
    provider_response   JSONB NOT NULL DEFAULT '{}',
    credits_reserved    NUMERIC(12,2) NOT NULL DEFAULT 0,
    credits_final       NUMERIC(12,2),
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at          TIMESTAMPTZ,
    completed_at        TIMESTAMPTZ,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_generations_user_created ON generations (user_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_generations_provider_task ON generations (provider_task_id) WHERE provider_task_id <> '';`,
	},
	{
		Version: 4,
		Name:    "create_credit_transactions",
		SQL: `
CREATE TABLE IF NOT EXISTS credit_transactions (
    id            UUID PRIMARY KEY,
    account_id    UUID NOT NULL REFERENCES credit_accounts (id),
    generation_id UUID REFERENCES generations (id),
    kind          TEXT NOT NULL CHECK (kind IN ('reserve', 'finalize', 'refund', 'topup')),
    amount        NUMERIC(12,2) NOT NULL,
    balance_after NUMERIC(12,2) NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_credit_transactions_account ON credit_transactions (account_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_settlement
    ON credit_transactions (generation_id) WHERE kind IN ('finalize', 'refund');`,
	},
	{
		Version: 5,
		Name:    "index_open_generations",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_generations_open
    ON generations (status, created_at) WHERE status IN ('queued', 'processing');`,
	},
}

// Migrate applies every migration newer than the recorded version, each in its own transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	applied := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if err := apply(ctx, pool, m); err != nil {
			return applied, fmt.Errorf("migration %d %s: %w", m.Version, m.Name, err)
		}
		applied++
	}
	return applied, nil
}

func apply(ctx context.Context, pool *pgxpool.Pool, m Migration) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
		return err
	})
}
