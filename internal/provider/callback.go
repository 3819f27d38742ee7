package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrMissingTaskID is returned for a notification that names no task.
var ErrMissingTaskID = errors.New("notification has no task_id")

// ParseCallback reads a task notification. Two shapes are accepted: the flat one
// ({"task_id","status","progress","output":{...},"error"}) and the recordInfo envelope
// ({"data":{"taskId","state","resultJson",...}}). Both map onto the same Status.
func ParseCallback(raw []byte, logger *slog.Logger) (string, *Status, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil, fmt.Errorf("decode notification: %w", err)
	}

	if data, ok := doc["data"].(map[string]any); ok {
		taskID := stringField(doc, "task_id", "taskId")
		if taskID == "" {
			taskID = stringField(data, "taskId", "task_id")
		}
		if taskID == "" {
			return "", nil, ErrMissingTaskID
		}
		return taskID, parseStatus(doc, raw, logger.With("task_id", taskID)), nil
	}

	taskID := stringField(doc, "task_id", "taskId")
	if taskID == "" {
		return "", nil, ErrMissingTaskID
	}
	stateVal, _ := firstPresent(doc, "status", "state")
	st := &Status{
		State:    NormalizeState(stateVal),
		Progress: progressField(doc["progress"]),
		Raw:      json.RawMessage(raw),
	}
	if out, ok := doc["output"].(map[string]any); ok {
		st.ResultURL = stringField(out, "video_url", "image_url")
		st.ResultURLs = stringList(out["urls"])
		st.ThumbnailURL = stringField(out, "thumbnail_url")
	}
	if st.ResultURL == "" && len(st.ResultURLs) > 0 {
		st.ResultURL = st.ResultURLs[0]
	}
	switch st.State {
	case StateSucceeded:
		st.Progress = 100
	case StateFailed:
		st.ErrorMessage = stringField(doc, "error", "error_message", "msg")
		if st.ErrorMessage == "" {
			st.ErrorMessage = truncate(string(raw), 500)
		}
	}
	return taskID, st, nil
}
