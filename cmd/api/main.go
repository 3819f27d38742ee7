package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/reklamai/backend/internal/config"
	"github.com/reklamai/backend/internal/database"
	"github.com/reklamai/backend/internal/execution"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is set", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	applied, err := database.Migrate(ctx, pool)
	if err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied", "count", applied)

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	scheduler := execution.NewRiverScheduler(logger)
	app, err := newApp(ctx, cfg, pool, scheduler, logger)
	if err != nil {
		slog.Error("Failed to build application", "error", err)
		os.Exit(1)
	}

	riverClient, err := newRiverClient(pool, cfg, app, scheduler, logger)
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	scheduler.Bind(riverClient)

	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Signature"},
		AllowCredentials: true,
	}).Handler(app.handler)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
}

// newRiverClient registers the submit, poll and sweep workers and the periodic sweep.
func newRiverClient(pool *pgxpool.Pool, cfg *config.Config, app *app, scheduler execution.Scheduler, logger *slog.Logger) (*river.Client[pgx.Tx], error) {
	policy := execution.Policy{Interval: cfg.PollInterval, MaxAttempts: cfg.PollMaxAttempts}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewSubmitWorker(app.generations, app.gateway, cfg.KIECallbackURL, logger))
	river.AddWorker(workers, execution.NewPollWorker(app.generations, app.gateway, scheduler, policy, execution.SystemClock{}, logger))
	river.AddWorker(workers, execution.NewSweepWorker(app.generations, app.generations, policy, execution.SystemClock{}, logger))

	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			execution.QueueSubmit: {MaxWorkers: cfg.SubmitWorkers},
			execution.QueuePoll:   {MaxWorkers: cfg.PollWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.NewSweepJob()},
		ErrorHandler: &execution.ErrorHandler{Logger: logger},
		Logger:       logger,
	})
}

