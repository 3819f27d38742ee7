package generation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/google/uuid"

	"github.com/reklamai/backend/internal/ledger"
	"github.com/reklamai/backend/internal/middleware"
	"github.com/reklamai/backend/internal/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// API is the generation surface exposed over HTTP.
type API interface {
	Create(ctx context.Context, userID uuid.UUID, req Request) (*models.Generation, error)
	GetForUser(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error)
	List(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Generation, int, error)
	Cancel(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error)
}

// ModelLister lists the active model catalog.
type ModelLister interface {
	ListModels(ctx context.Context, category string) ([]*models.AIModel, error)
}

var (
	_ API         = (*Service)(nil)
	_ ModelLister = (*CatalogPricer)(nil)
)

type ListResponse struct {
	Items []*models.Generation `json:"items"`
	Total int                  `json:"total"`
}

type Handler struct {
	svc     API
	catalog ModelLister
	log     *slog.Logger
}

func NewHandler(svc API, catalog ModelLister, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, catalog: catalog, log: log}
}

// Create handles POST /api/generate. The body has already passed schema validation.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	g, err := h.svc.Create(r.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits), errors.Is(err, ledger.ErrAccountNotFound):
			writeError(w, http.StatusPaymentRequired, ledger.ErrInsufficientCredits.Error())
		default:
			h.log.Error("create generation", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// Get handles GET /api/generations/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	g, err := h.svc.GetForUser(r.Context(), userID, id)
	if err != nil {
		h.writeLookupError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// List handles GET /api/generations?limit=&offset=&status=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultPageSize, 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	offset, err := intParam(q.Get("offset"), 0, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	status := q.Get("status")
	if status != "" && !slices.Contains(statuses, status) {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	items, total, err := h.svc.List(r.Context(), userID, status, min(limit, maxPageSize), offset)
	if err != nil {
		h.log.Error("list generations", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []*models.Generation{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: items, Total: total})
}

// Cancel handles POST /api/generations/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	g, err := h.svc.Cancel(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, ErrNotCancellable) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeLookupError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ListModels handles GET /api/models?category=. The catalog is public.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.catalog.ListModels(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		h.log.Error("list models", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []*models.AIModel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid generation id")
		return uuid.Nil, uuid.Nil, false
	}
	return userID, id, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, id uuid.UUID) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "generation not found")
		return
	}
	h.log.Error("load generation", "generation_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

var statuses = []string{
	models.GenerationStatusQueued,
	models.GenerationStatusProcessing,
	models.GenerationStatusSucceeded,
	models.GenerationStatusFailed,
	models.GenerationStatusCancelled,
}

func intParam(s string, def, floor int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < floor {
		return 0, errors.New("out of range")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
