package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reklamai/backend/internal/auth"
	"github.com/reklamai/backend/internal/config"
	"github.com/reklamai/backend/internal/execution"
	"github.com/reklamai/backend/internal/generation"
	"github.com/reklamai/backend/internal/ledger"
	"github.com/reklamai/backend/internal/middleware"
	"github.com/reklamai/backend/internal/provider"
	"github.com/reklamai/backend/internal/ratelimit"
	"github.com/reklamai/backend/internal/repository"
	"github.com/reklamai/backend/internal/router"
	"github.com/reklamai/backend/internal/validation"
	"github.com/reklamai/backend/internal/webhook"
)

type app struct {
	handler     http.Handler
	generations *generation.Service
	gateway     *provider.Client
	redis       *redis.Client
}

// newApp builds repositories, services and the route table.
func newApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, scheduler execution.Scheduler, logger *slog.Logger) (*app, error) {
	accountRepo := repository.NewAccountRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)
	generationRepo := repository.NewGenerationRepo(pool)
	catalogRepo := repository.NewCatalogRepo(pool)

	ledgerSvc := ledger.New(pool, accountRepo, creditRepo, generationRepo, logger)
	pricer := generation.NewCatalogPricer(catalogRepo)
	policy := execution.Policy{Interval: cfg.PollInterval, MaxAttempts: cfg.PollMaxAttempts}
	generationSvc := generation.NewService(pool, generationRepo, ledgerSvc, pricer, scheduler, logger, generation.WithPolicy(policy))

	gateway := provider.NewClient(cfg.KIEBaseURL, cfg.KIEAPIKey, &http.Client{Timeout: time.Minute}, logger)
	if cfg.KIEAPIKey == "" {
		logger.Warn("KIE_API_KEY is empty; provider submissions will be rejected")
	}

	validator, err := validation.New()
	if err != nil {
		return nil, err
	}

	a := &app{generations: generationSvc, gateway: gateway}
	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.GenerateRateLimit, cfg.RateLimitWindow)
	if cfg.RedisURL != "" {
		client, err := ratelimit.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("Redis unavailable, falling back to in-process rate limiting", "error", err)
		} else {
			a.redis = client
			limiter = ratelimit.NewRedis(client, "reklamai:ratelimit", cfg.GenerateRateLimit, cfg.RateLimitWindow)
		}
	}

	tokens := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	a.handler = router.New(router.Deps{
		Auth:            auth.NewHandler(middleware.Identity, logger),
		Generations:     generation.NewHandler(generationSvc, pricer, logger),
		Credits:         ledger.NewHandler(ledgerSvc, logger),
		Webhook:         webhook.NewHandler(generationSvc, cfg.WebhookSecret, logger),
		Tokens:          tokens,
		Validator:       validator,
		GenerateLimiter: limiter,
		Health:          healthz(pool),
		Logger:          logger,
	})
	return a, nil
}

func healthz(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := pool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded","database":"unreachable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
