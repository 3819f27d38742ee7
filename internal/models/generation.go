package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Generation status enums.
const (
	GenerationStatusQueued     = "queued"
	GenerationStatusProcessing = "processing"
	GenerationStatusSucceeded  = "succeeded"
	GenerationStatusFailed     = "failed"
	GenerationStatusCancelled  = "cancelled"
)

// OpenGenerationStatuses are the statuses a generation may still leave.
var OpenGenerationStatuses = []string{GenerationStatusQueued, GenerationStatusProcessing}

// IsTerminalStatus reports whether no further transition is allowed from status.
func IsTerminalStatus(status string) bool {
	switch status {
	case GenerationStatusSucceeded, GenerationStatusFailed, GenerationStatusCancelled:
		return true
	}
	return false
}

// Generation is one generation request tracked from reservation to terminal outcome.
type Generation struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	Prompt            string          `json:"prompt"`
	NegativePrompt    string          `json:"negative_prompt"`
	PresetSlug        string          `json:"preset_slug"`
	ModelSlug         string          `json:"model_slug"`
	ProviderModelID   string          `json:"-"`
	AspectRatio       string          `json:"aspect_ratio"`
	Duration          int             `json:"duration"`
	InputImageURL     string          `json:"input_image_url"`
	ReferenceImageURL string          `json:"reference_image_url"`
	Params            json.RawMessage `json:"params"`

	Status           string          `json:"status"`
	Progress         int             `json:"progress"`
	ProviderTaskID   string          `json:"provider_task_id"`
	ResultURL        string          `json:"result_url"`
	ResultURLs       []string        `json:"result_urls"`
	ThumbnailURL     string          `json:"thumbnail_url"`
	ErrorMessage     string          `json:"error_message"`
	ProviderResponse json.RawMessage `json:"-"`

	CreditsReserved decimal.Decimal  `json:"credits_reserved"`
	CreditsFinal    *decimal.Decimal `json:"credits_final"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Completion carries the fields written when a generation reaches a terminal status.
type Completion struct {
	Status           string
	ResultURL        string
	ResultURLs       []string
	ThumbnailURL     string
	ErrorMessage     string
	ProviderResponse json.RawMessage
}

// Observation sources.
const (
	SourcePoll    = "poll"
	SourceWebhook = "webhook"
)

// StatusEvent is one normalized observation of a provider task, from either
// a poll attempt or a webhook notification. State is one of processing,
// succeeded or failed.
type StatusEvent struct {
	TaskID       string
	State        string
	Progress     int
	ResultURL    string
	ResultURLs   []string
	ThumbnailURL string
	ErrorMessage string
	Source       string
	Raw          json.RawMessage
}

// ReconcileOutcome reports what Reconcile did with an event.
// Found is false when no generation carries the event's task id.
// Applied is false when the event was a confirmed no-op.
type ReconcileOutcome struct {
	Found      bool
	Applied    bool
	Generation *Generation
}
