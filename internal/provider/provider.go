// Package provider is the seam between the orchestrator and generation
// backends. It normalizes heterogeneous provider responses into a single
// update shape and classifies failures as retryable or terminal.
package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	"forgelab/internal/domain"
)

// Status is the normalized provider-side state of a generation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Update is one normalized observation of provider state.
type Update struct {
	Status        Status
	Progress      int
	ProviderJobID string
	Result        *domain.JobResult
	ErrorCode     string
	ErrorMessage  string
}

// Gateway abstracts one generation backend. The worker dispatches to this
// interface only; it never special-cases providers.
type Gateway interface {
	Kind() string
	// Create submits the job to the backend and returns its opaque handle.
	Create(ctx context.Context, job *domain.Job) (string, error)
	// Poll reports the backend's current view of the job.
	Poll(ctx context.Context, job *domain.Job) (Update, error)
}

// Error is a classified provider failure.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Retryable reports whether the failure is transient. Explicitly classified
// errors decide for themselves; timeouts and unknown transport failures are
// treated as transient, since terminal rejection must be explicit.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return true
}

// transientHints mark failure reports worth retrying: congestion and
// availability problems rather than rejections of the job itself.
var transientHints = []string{
	"timeout", "timed out", "rate limit", "too many requests",
	"overload", "unavailable", "temporar", "capacity", "429", "503",
}

// ClassifyReported turns a provider-reported failure (a failed status in a
// poll response, not a transport error) into a classified Error. A failure
// the provider itself reports is terminal unless its code or message hints
// at a transient condition.
func ClassifyReported(code, message string) *Error {
	if code == "" {
		code = "provider_failed"
	}
	if message == "" {
		message = "provider reported failure"
	}
	haystack := strings.ToLower(code + " " + message)
	retryable := false
	for _, hint := range transientHints {
		if strings.Contains(haystack, hint) {
			retryable = true
			break
		}
	}
	return &Error{Code: code, Message: message, Retryable: retryable}
}
