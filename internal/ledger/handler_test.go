package ledger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/reklamai/backend/internal/middleware"
	"github.com/reklamai/backend/internal/models"
)

func serve(h http.HandlerFunc, user uuid.UUID, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != uuid.Nil {
		req = req.WithContext(middleware.WithUser(req.Context(), user, "user"))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestHandler_GetBalance(t *testing.T) {
	owner := uuid.New()
	f := newFixture(account(owner, "50"))
	h := NewHandler(f.ledger, nil)

	rec := serve(h.GetBalance, owner, http.MethodGet, "/api/credits", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var body BalanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertDecimal(t, "balance", body.Balance, d("50"))
	assertDecimal(t, "total_spent", body.TotalSpent, d("0"))

	// An owner without an account sees zeros.
	rec = serve(h.GetBalance, uuid.New(), http.MethodGet, "/api/credits", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"balance":"0"`) {
		t.Errorf("missing account: %d %s", rec.Code, rec.Body)
	}
	if rec := serve(h.GetBalance, uuid.Nil, http.MethodGet, "/api/credits", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: got %d", rec.Code)
	}
}

func TestHandler_ListTransactions(t *testing.T) {
	owner := uuid.New()
	f := newFixture(account(owner, "50"))
	h := NewHandler(f.ledger, nil)
	for i := 0; i < 3; i++ {
		if _, err := f.ledger.TopUp(t.Context(), owner, d("1")); err != nil {
			t.Fatalf("TopUp: %v", err)
		}
	}

	rec := serve(h.ListTransactions, owner, http.MethodGet, "/api/credits/transactions?limit=2", "")
	var body struct {
		Items []models.CreditTransaction `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 2 || body.Items[0].Kind != models.CreditKindTopUp {
		t.Errorf("items: %+v", body.Items)
	}
	assertDecimal(t, "newest balance_after", body.Items[0].BalanceAfter, d("53"))

	if rec := serve(h.ListTransactions, owner, http.MethodGet, "/api/credits/transactions?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d", rec.Code)
	}
}

func TestHandler_TopUp(t *testing.T) {
	owner := uuid.New()
	f := newFixture()
	h := NewHandler(f.ledger, nil)

	rec := serve(h.TopUp, uuid.New(), http.MethodPost, "/api/admin/credits/topup", `{"owner_id":"`+owner.String()+`","amount":"25.50"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d %s", rec.Code, rec.Body)
	}
	assertDecimal(t, "balance", f.accounts.get(owner).Balance, d("25.5"))

	for name, body := range map[string]string{
		"bad json":  `{`,
		"bad owner": `{"owner_id":"nope","amount":"1"}`,
		"zero":      `{"owner_id":"` + owner.String() + `","amount":"0"}`,
		"negative":  `{"owner_id":"` + owner.String() + `","amount":-5}`,
	} {
		if rec := serve(h.TopUp, uuid.New(), http.MethodPost, "/api/admin/credits/topup", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d", name, rec.Code)
		}
	}
}
