// Package provider talks to the KIE.ai generation API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/reklamai/backend/internal/models"
)

const (
	submitTimeout = 30 * time.Second
	statusTimeout = 15 * time.Second
	cancelTimeout = 10 * time.Second

	maxResponseBytes = 4 << 20

	// DefaultModel is used when a request names no model.
	DefaultModel = "kling-v2"
)

// Client is a stateless adapter over the provider's HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// TaskSpec is the createTask request. Input carries only non-empty fields.
type TaskSpec struct {
	Model       string         `json:"model"`
	Input       map[string]any `json:"input"`
	CallbackURL string         `json:"callBackUrl,omitempty"`
}

// TaskSpecFor builds the createTask request for g. Extra params are merged into input
// without overriding the named fields.
func TaskSpecFor(g *models.Generation, callbackURL string) TaskSpec {
	model := g.ProviderModelID
	if model == "" {
		model = g.ModelSlug
	}
	if model == "" {
		model = DefaultModel
	}
	input := map[string]any{}
	if len(g.Params) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(g.Params, &extra); err == nil {
			for k, v := range extra {
				if !isEmpty(v) {
					input[k] = v
				}
			}
		}
	}
	set := func(k, v string) {
		if v != "" {
			input[k] = v
		}
	}
	set("prompt", g.Prompt)
	set("negative_prompt", g.NegativePrompt)
	set("aspect_ratio", g.AspectRatio)
	if g.Duration > 0 {
		input["duration"] = strconv.Itoa(g.Duration)
	}
	set("image_url", g.InputImageURL)
	set("image_reference_url", g.ReferenceImageURL)
	return TaskSpec{Model: model, Input: input, CallbackURL: callbackURL}
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// Submit sends one createTask call and returns the provider task id.
func (c *Client) Submit(ctx context.Context, spec TaskSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("marshal task spec: %w", err)
	}
	status, raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs/createTask", body)
	if err != nil {
		return "", &TransientError{Op: "submit", Err: err}
	}
	if status < 200 || status >= 300 {
		return "", &SubmitError{StatusCode: status, Body: string(raw)}
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", &SubmitError{StatusCode: status, Body: string(raw), Reason: "malformed response"}
	}
	if code, ok := envelopeCode(doc); ok && code != 200 {
		return "", &SubmitError{StatusCode: status, Body: string(raw), Reason: fmt.Sprintf("code %d: %s", code, stringField(doc, "msg", "message"))}
	}
	taskID := stringField(doc, "taskId", "task_id", "id")
	if taskID == "" {
		if data, ok := doc["data"].(map[string]any); ok {
			taskID = stringField(data, "taskId", "task_id", "id")
		}
	}
	if taskID == "" {
		return "", &SubmitError{StatusCode: status, Body: string(raw), Reason: "response carries no task id"}
	}
	c.logger.Info("provider task created", "task_id", taskID, "model", spec.Model)
	return taskID, nil
}

// FetchStatus queries one task and normalizes the answer.
func (c *Client) FetchStatus(ctx context.Context, taskID string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	u := c.baseURL + "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(taskID)
	status, raw, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransientError{Op: "status", Err: err}
	}
	if status < 200 || status >= 300 {
		return nil, &TransientError{Op: "status", StatusCode: status, Err: errors.New(truncate(string(raw), 300))}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &TransientError{Op: "status", StatusCode: status, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if code, ok := envelopeCode(doc); ok && code != 200 {
		return nil, &TransientError{Op: "status", StatusCode: status, Err: fmt.Errorf("code %d: %s", code, stringField(doc, "msg", "message"))}
	}
	return parseStatus(doc, raw, c.logger.With("task_id", taskID)), nil
}

// Cancel asks the provider to stop a task. The orchestrator does not call it.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	status, raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil)
	if err != nil {
		return &TransientError{Op: "cancel", Err: err}
	}
	if status < 200 || status >= 300 {
		return &TransientError{Op: "cancel", StatusCode: status, Err: errors.New(truncate(string(raw), 300))}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// envelopeCode reads the numeric "code" field of the provider's response envelope.
func envelopeCode(doc map[string]any) (int, bool) {
	switch v := doc["code"].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// stringField returns the first non-empty value among keys, rendering numbers as text.
func stringField(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := doc[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
