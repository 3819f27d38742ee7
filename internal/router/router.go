package router

import (
	"log/slog"
	"net/http"

	"github.com/reklamai/backend/internal/auth"
	"github.com/reklamai/backend/internal/generation"
	"github.com/reklamai/backend/internal/ledger"
	"github.com/reklamai/backend/internal/middleware"
	"github.com/reklamai/backend/internal/ratelimit"
	"github.com/reklamai/backend/internal/validation"
	"github.com/reklamai/backend/internal/webhook"
)

// Deps are the handlers and guards the route table is built from.
type Deps struct {
	Auth        *auth.Handler
	Generations *generation.Handler
	Credits     *ledger.Handler
	Webhook     *webhook.Handler

	Tokens          middleware.TokenValidator
	Validator       middleware.BodyValidator
	GenerateLimiter ratelimit.Limiter
	Health          http.HandlerFunc
	Logger          *slog.Logger
}

// New returns the API handler. Everything under /api except the model catalog needs a bearer token.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	user := middleware.RequireUser(d.Tokens)
	admin := func(h http.HandlerFunc) http.Handler {
		return user(middleware.RequireRole(auth.RoleAdmin)(h))
	}
	authed := func(h http.HandlerFunc) http.Handler { return user(h) }

	generate := user(
		middleware.RateLimit(d.GenerateLimiter, "generate", d.Logger)(
			middleware.ValidateBody(d.Validator, validation.GenerateRequest)(
				http.HandlerFunc(d.Generations.Create))))

	mux.Handle("GET /api/auth/me", authed(d.Auth.Me))

	mux.Handle("POST /api/generate", generate)
	mux.Handle("GET /api/generations", authed(d.Generations.List))
	mux.Handle("GET /api/generations/{id}", authed(d.Generations.Get))
	mux.Handle("POST /api/generations/{id}/cancel", authed(d.Generations.Cancel))
	mux.HandleFunc("GET /api/models", d.Generations.ListModels)

	mux.Handle("GET /api/credits", authed(d.Credits.GetBalance))
	mux.Handle("GET /api/credits/transactions", authed(d.Credits.ListTransactions))
	mux.Handle("POST /api/admin/credits/topup", admin(d.Credits.TopUp))

	mux.HandleFunc("POST /webhook/{provider}", d.Webhook.Receive)

	health := d.Health
	if health == nil {
		health = func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}
	}
	mux.HandleFunc("GET /healthz", health)
	return mux
}
