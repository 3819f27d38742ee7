package provider

import "fmt"

// SubmitError means the provider did not accept the task. The generation fails and is refunded.
type SubmitError struct {
	StatusCode int
	Body       string
	Reason     string
}

func (e *SubmitError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("provider rejected task (status %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("provider rejected task (status %d): %s", e.StatusCode, truncate(e.Body, 300))
}

// TransientError is a transport failure or an unusable provider response that may succeed on retry.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
