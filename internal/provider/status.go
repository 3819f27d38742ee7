package provider

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/reklamai/backend/internal/models"
)

// Normalized provider states.
const (
	StateProcessing = models.GenerationStatusProcessing
	StateSucceeded  = models.GenerationStatusSucceeded
	StateFailed     = models.GenerationStatusFailed
)

// Status is one normalized observation of a provider task.
type Status struct {
	State        string
	Progress     int
	ResultURL    string
	ResultURLs   []string
	ThumbnailURL string
	ErrorMessage string
	Raw          json.RawMessage
}

// Event converts the status into a reconciliation event.
func (s *Status) Event(taskID, source string) models.StatusEvent {
	return models.StatusEvent{
		TaskID:       taskID,
		State:        s.State,
		Progress:     s.Progress,
		ResultURL:    s.ResultURL,
		ResultURLs:   s.ResultURLs,
		ThumbnailURL: s.ThumbnailURL,
		ErrorMessage: s.ErrorMessage,
		Source:       source,
		Raw:          s.Raw,
	}
}

// NormalizeState maps the provider's status vocabulary onto processing, succeeded or failed.
// Numeric codes: 0 processing, 1 success, 2 failed, 3 cancelled. Words containing a failure
// stem (fail, error, cancel, reject, unsuccess) are failed. A success needs a whole success
// word as the last token with no negation before it ("generate_success" but not "not_done").
// Anything unrecognized is processing, so an odd value never ends a generation.
func NormalizeState(v any) string {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return StateProcessing
		}
		return stateFromCode(int(x))
	case int:
		return stateFromCode(x)
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return StateProcessing
		}
		return stateFromCode(int(n))
	case bool:
		if x {
			return StateSucceeded
		}
		return StateProcessing
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		if n, err := strconv.Atoi(s); err == nil {
			return stateFromCode(n)
		}
		return stateFromWord(s)
	}
	return StateProcessing
}

var (
	failureStems = []string{"fail", "error", "cancel", "reject", "unsuccess"}
	successWords = map[string]bool{
		"success": true, "succeeded": true, "successful": true,
		"complete": true, "completed": true, "done": true, "finished": true,
	}
	negations = map[string]bool{"not": true, "no": true, "non": true, "never": true}
)

func stateFromWord(s string) string {
	for _, stem := range failureStems {
		if strings.Contains(s, stem) {
			return StateFailed
		}
	}
	tokens := strings.FieldsFunc(s, func(r rune) bool { return r < 'a' || r > 'z' })
	if len(tokens) == 0 || !successWords[tokens[len(tokens)-1]] {
		return StateProcessing
	}
	for _, tok := range tokens[:len(tokens)-1] {
		if negations[tok] {
			return StateProcessing
		}
	}
	return StateSucceeded
}

func stateFromCode(code int) string {
	switch code {
	case 1:
		return StateSucceeded
	case 2, 3:
		return StateFailed
	}
	return StateProcessing
}

// parseStatus reads a recordInfo response. The task record sits under "data" when the
// response is enveloped. Results may be inline or inside a stringified resultJson blob.
func parseStatus(doc map[string]any, raw []byte, logger *slog.Logger) *Status {
	rec := doc
	if data, ok := doc["data"].(map[string]any); ok {
		rec = data
	}

	st := &Status{Raw: json.RawMessage(raw)}
	stateVal, ok := firstPresent(rec, "state", "status", "successFlag")
	if !ok {
		logger.Warn("provider status carries no state field; treating as processing")
	}
	st.State = NormalizeState(stateVal)
	st.Progress = progressField(rec["progress"])

	result := resultDoc(rec, logger)
	collectURLs(st, rec)
	if result != nil {
		collectURLs(st, result)
	}
	if st.ResultURL == "" && len(st.ResultURLs) > 0 {
		st.ResultURL = st.ResultURLs[0]
	}
	if st.ResultURL != "" && len(st.ResultURLs) == 0 {
		st.ResultURLs = []string{st.ResultURL}
	}

	switch st.State {
	case StateSucceeded:
		st.Progress = 100
		if st.ResultURL == "" {
			logger.Warn("provider reported success without a result url")
		}
	case StateFailed:
		st.ErrorMessage = stringField(rec, "failMsg", "errorMessage", "error_message", "error", "msg")
		if st.ErrorMessage == "" {
			st.ErrorMessage = "provider reported failure"
		}
	}
	return st
}

// resultDoc returns the parsed resultJson blob, which arrives either as an object or as a JSON string.
func resultDoc(rec map[string]any, logger *slog.Logger) map[string]any {
	switch v := rec["resultJson"].(type) {
	case map[string]any:
		return v
	case string:
		if v == "" {
			return nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			logger.Warn("provider resultJson is not valid JSON", "error", err)
			return nil
		}
		return out
	}
	return nil
}

func collectURLs(st *Status, doc map[string]any) {
	if st.ResultURL == "" {
		st.ResultURL = stringField(doc, "resultUrl", "result_url", "videoUrl", "video_url", "imageUrl", "image_url", "url")
	}
	if st.ThumbnailURL == "" {
		st.ThumbnailURL = stringField(doc, "thumbnailUrl", "thumbnail_url", "coverUrl")
	}
	if len(st.ResultURLs) == 0 {
		for _, k := range []string{"resultUrls", "result_urls", "urls"} {
			if urls := stringList(doc[k]); len(urls) > 0 {
				st.ResultURLs = urls
				break
			}
		}
	}
}

func firstPresent(doc map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := doc[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// progressField accepts 0..100 numbers, numeric strings and 0..1 fractions, clamped to 0..100.
func progressField(v any) int {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		n, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(x), "%"), 64)
		if err != nil {
			return 0
		}
		f = n
	default:
		return 0
	}
	if f > 0 && f < 1 {
		f *= 100
	}
	return ClampProgress(int(math.Round(f)))
}

// ClampProgress bounds p to 0..100.
func ClampProgress(p int) int {
	return max(0, min(100, p))
}
