package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/reklamai/backend/internal/models"
	"github.com/reklamai/backend/internal/provider"
)

const maxBodyBytes = 1 << 20

// Reconciler applies a normalized provider observation.
type Reconciler interface {
	Reconcile(ctx context.Context, ev models.StatusEvent) (models.ReconcileOutcome, error)
}

type Response struct {
	OK           bool      `json:"ok"`
	GenerationID uuid.UUID `json:"generation_id"`
	Status       string    `json:"status"`
	Applied      bool      `json:"applied"`
}

type Handler struct {
	orch   Reconciler
	secret []byte
	log    *slog.Logger
}

// NewHandler builds the receiver. With an empty secret signatures are not checked.
func NewHandler(orch Reconciler, secret string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if secret == "" {
		log.Warn("webhook signature verification disabled: no secret configured")
	}
	return &Handler{orch: orch, secret: []byte(secret), log: log}
}

// Receive handles POST /webhook/{provider}.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	log := h.log.With("provider", r.PathValue("provider"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}
	if err := Verify(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		log.Warn("webhook rejected", "error", err)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	}

	taskID, st, err := provider.ParseCallback(body, log)
	if err != nil {
		msg := "invalid JSON"
		if errors.Is(err, provider.ErrMissingTaskID) {
			msg = "missing task_id"
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}
	log = log.With("task_id", taskID)
	log.Info("webhook received", "state", st.State)

	out, err := h.orch.Reconcile(r.Context(), st.Event(taskID, models.SourceWebhook))
	if err != nil {
		log.Error("webhook reconcile failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !out.Found {
		log.Warn("webhook for unknown task")
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, Response{
		OK:           true,
		GenerationID: out.Generation.ID,
		Status:       out.Generation.Status,
		Applied:      out.Applied,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
