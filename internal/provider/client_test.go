package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/reklamai/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "test-key", srv.Client(), nil)
}

func reply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

func TestSubmit_SendsSpecAndReadsTaskID(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"code":200,"msg":"success","data":{"taskId":"t1"}}`)
	})

	spec := TaskSpecFor(&models.Generation{
		ID:          uuid.New(),
		Prompt:      "a red car",
		AspectRatio: "16:9",
		Duration:    10,
		ModelSlug:   "kling-v2",
	}, "https://api.example.com/webhook/kie")

	taskID, err := c.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if taskID != "t1" {
		t.Errorf("task id: got %q, want t1", taskID)
	}
	if gotPath != "/api/v1/jobs/createTask" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header: got %q", gotAuth)
	}
	if gotBody["model"] != "kling-v2" || gotBody["callBackUrl"] != "https://api.example.com/webhook/kie" {
		t.Errorf("body: %v", gotBody)
	}
	input, _ := gotBody["input"].(map[string]any)
	if input["duration"] != "10" || input["prompt"] != "a red car" {
		t.Errorf("input: %v", input)
	}
	if _, ok := input["negative_prompt"]; ok {
		t.Error("empty fields should be stripped from input")
	}
}

func TestSubmit_TaskIDShapes(t *testing.T) {
	cases := map[string]string{
		"top-level taskId":  `{"taskId":"a1"}`,
		"top-level task_id": `{"task_id":"a1"}`,
		"top-level id":      `{"id":"a1"}`,
		"nested id":         `{"code":200,"data":{"id":"a1"}}`,
		"nested task_id":    `{"data":{"task_id":"a1"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, reply(http.StatusOK, body))
			taskID, err := c.Submit(context.Background(), TaskSpec{Model: "m"})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if taskID != "a1" {
				t.Errorf("task id: got %q, want a1", taskID)
			}
		})
	}
}

func TestSubmit_Errors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"non-2xx", http.StatusUnauthorized, `{"msg":"bad key"}`},
		{"server error", http.StatusInternalServerError, `oops`},
		{"malformed", http.StatusOK, `not json`},
		{"envelope code", http.StatusOK, `{"code":402,"msg":"insufficient balance"}`},
		{"missing task id", http.StatusOK, `{"code":200,"data":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, reply(tc.status, tc.body))
			_, err := c.Submit(context.Background(), TaskSpec{Model: "m"})
			var se *SubmitError
			if !errors.As(err, &se) {
				t.Fatalf("expected *SubmitError, got %T: %v", err, err)
			}
			if se.StatusCode != tc.status {
				t.Errorf("status: got %d, want %d", se.StatusCode, tc.status)
			}
			if se.Body != tc.body {
				t.Errorf("raw body should be attached: got %q", se.Body)
			}
		})
	}
}

func TestSubmit_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(reply(http.StatusOK, `{}`))
	srv.Close()
	c := NewClient(srv.URL, "k", nil, nil)

	_, err := c.Submit(context.Background(), TaskSpec{Model: "m"})
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransientError, got %T: %v", err, err)
	}
}

// ---------------------------------------------------------------------------
// FetchStatus
// ---------------------------------------------------------------------------

func TestFetchStatus_NumericCodes(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("taskId")
		_, _ = io.WriteString(w, `{"code":200,"data":{"status":1,"resultUrls":["https://x/a.mp4","https://x/b.mp4"]}}`)
	})
	st, err := c.FetchStatus(context.Background(), "t 1")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if gotQuery != "t 1" {
		t.Errorf("taskId query: got %q", gotQuery)
	}
	if st.State != StateSucceeded || st.Progress != 100 {
		t.Errorf("state/progress: got %s/%d", st.State, st.Progress)
	}
	if st.ResultURL != "https://x/a.mp4" || len(st.ResultURLs) != 2 {
		t.Errorf("results: %q %v", st.ResultURL, st.ResultURLs)
	}
}

func TestFetchStatus_StringStateWithResultJSON(t *testing.T) {
	body := `{"code":200,"data":{"taskId":"t1","state":"success","resultJson":"{\"resultUrls\":[\"https://x/vid.mp4\"],\"thumbnailUrl\":\"https://x/t.jpg\"}"}}`
	c := newTestClient(t, reply(http.StatusOK, body))

	st, err := c.FetchStatus(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if st.State != StateSucceeded {
		t.Errorf("state: got %s", st.State)
	}
	if st.ResultURL != "https://x/vid.mp4" || st.ThumbnailURL != "https://x/t.jpg" {
		t.Errorf("results: %q thumb %q", st.ResultURL, st.ThumbnailURL)
	}
	if !strings.Contains(string(st.Raw), `"taskId":"t1"`) {
		t.Error("raw response should be kept")
	}
}

func TestFetchStatus_FailureAndProgress(t *testing.T) {
	c := newTestClient(t, reply(http.StatusOK, `{"code":200,"data":{"state":"fail","failMsg":"nsfw content"}}`))
	st, err := c.FetchStatus(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if st.State != StateFailed || st.ErrorMessage != "nsfw content" {
		t.Errorf("got %s %q", st.State, st.ErrorMessage)
	}

	c = newTestClient(t, reply(http.StatusOK, `{"data":{"state":"generating","progress":"40","unexpected":{"nested":true}}}`))
	st, err = c.FetchStatus(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if st.State != StateProcessing || st.Progress != 40 {
		t.Errorf("got %s %d", st.State, st.Progress)
	}
}

func TestFetchStatus_MissingFieldsDefault(t *testing.T) {
	c := newTestClient(t, reply(http.StatusOK, `{}`))
	st, err := c.FetchStatus(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if st.State != StateProcessing || st.Progress != 0 || st.ResultURL != "" {
		t.Errorf("expected zero-valued processing status, got %+v", st)
	}
}

func TestFetchStatus_TransientErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"5xx":           reply(http.StatusBadGateway, `upstream`),
		"malformed":     reply(http.StatusOK, `<html>`),
		"envelope code": reply(http.StatusOK, `{"code":500,"msg":"busy"}`),
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newTestClient(t, h).FetchStatus(context.Background(), "t1")
			var te *TransientError
			if !errors.As(err, &te) {
				t.Fatalf("expected *TransientError, got %T: %v", err, err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

func TestCancel(t *testing.T) {
	var gotPath, gotMethod string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	if err := c.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/tasks/t1/cancel" {
		t.Errorf("request: %s %s", gotMethod, gotPath)
	}
}
