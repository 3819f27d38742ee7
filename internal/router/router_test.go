package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reklamai/backend/internal/auth"
	"github.com/reklamai/backend/internal/generation"
	"github.com/reklamai/backend/internal/ledger"
	"github.com/reklamai/backend/internal/middleware"
	"github.com/reklamai/backend/internal/models"
	"github.com/reklamai/backend/internal/ratelimit"
	"github.com/reklamai/backend/internal/validation"
	"github.com/reklamai/backend/internal/webhook"
)

type nopReconciler struct{}

func (nopReconciler) Reconcile(context.Context, models.StatusEvent) (models.ReconcileOutcome, error) {
	return models.ReconcileOutcome{}, nil
}

type fixture struct {
	handler http.Handler
	tokens  auth.Service
}

// newFixture wires real guards around handlers whose services are never reached by
// the requests under test.
func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	v, err := validation.New()
	if err != nil {
		t.Fatalf("validation.New: %v", err)
	}
	tokens := auth.NewService("test-secret", time.Hour)
	h := New(Deps{
		Auth:            auth.NewHandler(middleware.Identity, nil),
		Generations:     generation.NewHandler(nil, nil, nil),
		Credits:         ledger.NewHandler(nil, nil),
		Webhook:         webhook.NewHandler(nopReconciler{}, "", nil),
		Tokens:          tokens,
		Validator:       v,
		GenerateLimiter: ratelimit.NewMemory(limit, time.Minute),
	})
	return &fixture{handler: h, tokens: tokens}
}

func (f *fixture) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := f.tokens.IssueToken(uuid.New(), role)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:4242"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_RequireToken(t *testing.T) {
	f := newFixture(t, 5)
	for _, rt := range []struct{ method, path string }{
		{http.MethodPost, "/api/generate"},
		{http.MethodGet, "/api/generations"},
		{http.MethodGet, "/api/generations/" + uuid.NewString()},
		{http.MethodPost, "/api/generations/" + uuid.NewString() + "/cancel"},
		{http.MethodGet, "/api/credits"},
		{http.MethodGet, "/api/credits/transactions"},
		{http.MethodPost, "/api/admin/credits/topup"},
		{http.MethodGet, "/api/auth/me"},
	} {
		if rec := f.do(rt.method, rt.path, "", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: got %d, want 401", rt.method, rt.path, rec.Code)
		}
		if rec := f.do(rt.method, rt.path, "garbage", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: got %d, want 401", rt.method, rt.path, rec.Code)
		}
	}
}

func TestRoutes_Me(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.do(http.MethodGet, "/api/auth/me", f.token(t, auth.RoleAdmin), "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"role":"admin"`) {
		t.Errorf("got %d %s", rec.Code, rec.Body)
	}
}

func TestRoutes_AdminOnlyTopUp(t *testing.T) {
	f := newFixture(t, 5)
	if rec := f.do(http.MethodPost, "/api/admin/credits/topup", f.token(t, auth.RoleUser), `{}`); rec.Code != http.StatusForbidden {
		t.Errorf("user: got %d, want 403", rec.Code)
	}
}

func TestRoutes_GenerateValidatesBody(t *testing.T) {
	f := newFixture(t, 5)
	tok := f.token(t, auth.RoleUser)
	for _, body := range []string{
		`{}`,
		`{"prompt":""}`,
		`{"prompt":"x","aspect_ratio":"2:1"}`,
		`{"prompt":"x","duration":0}`,
		`{"prompt":"x","unexpected":true}`,
	} {
		if rec := f.do(http.MethodPost, "/api/generate", tok, body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", body, rec.Code)
		}
	}
}

func TestRoutes_GenerateRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	tok := f.token(t, auth.RoleUser)
	for i := 0; i < 2; i++ {
		if rec := f.do(http.MethodPost, "/api/generate", tok, `{}`); rec.Code != http.StatusBadRequest {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
	rec := f.do(http.MethodPost, "/api/generate", tok, `{}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("third request: got %d retry-after %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestRoutes_PublicEndpoints(t *testing.T) {
	f := newFixture(t, 5)
	if rec := f.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/webhook/kie", "", `{"task_id":"t1","status":"succeeded"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "job not found") {
		t.Errorf("webhook: got %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(http.MethodGet, "/api/generate", f.token(t, auth.RoleUser), ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("wrong method: got %d", rec.Code)
	}
}
