package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

type MeResponse struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IdentityFunc reads the authenticated identity placed on the request by the auth middleware.
type IdentityFunc func(r *http.Request) (uuid.UUID, string, bool)

type Handler struct {
	identity IdentityFunc
	log      *slog.Logger
}

func NewHandler(identity IdentityFunc, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{identity: identity, log: log}
}

// Me handles GET /api/auth/me and echoes the caller's identity.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, role, ok := h.identity(r)
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(MeResponse{UserID: id.String(), Role: role})
}
