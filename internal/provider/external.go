package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"forgelab/internal/domain"
)

// HTTPGateway polls an external generation provider over a generic JSON API.
// Provider-specific status vocabularies are normalized on the way in.
type HTTPGateway struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
}

type HTTPGatewayOptions struct {
	Name    string
	BaseURL string
	APIKey  string
	// Timeout bounds each provider call. Defaults to 30s.
	Timeout time.Duration
	// HTTPClient overrides the default client. Tests mostly.
	HTTPClient *http.Client
}

func NewHTTPGateway(opts HTTPGatewayOptions) *HTTPGateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPGateway{
		name:    opts.Name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  client,
		timeout: timeout,
	}
}

func (g *HTTPGateway) Kind() string {
	return g.name
}

type createRequest struct {
	Mode      string `json:"mode"`
	Prompt    string `json:"prompt"`
	SourceURL string `json:"source_url,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

func (g *HTTPGateway) Create(ctx context.Context, job *domain.Job) (string, error) {
	body, err := json.Marshal(createRequest{
		Mode:      string(job.Mode),
		Prompt:    job.Prompt,
		SourceURL: job.SourceURL,
	})
	if err != nil {
		return "", fmt.Errorf("provider %s: encode create request: %w", g.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	g.setHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider %s: create: %w", g.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", g.classifyHTTP(resp)
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("provider %s: decode create response: %w", g.name, err)
	}
	if created.ID == "" {
		return "", &Error{Code: "provider_bad_response", Message: "create response missing id", Retryable: false}
	}
	return created.ID, nil
}

type pollResponse struct {
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	ModelURL   string `json:"model_url"`
	PreviewURL string `json:"preview_url"`
	Format     string `json:"format"`
	ErrorCode  string `json:"error_code"`
	Error      string `json:"error"`
}

func (g *HTTPGateway) Poll(ctx context.Context, job *domain.Job) (Update, error) {
	if job.ProviderJobID == "" {
		return Update{}, &Error{Code: "provider_missing_handle", Message: "job has no provider handle", Retryable: false}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/generations/"+job.ProviderJobID, nil)
	if err != nil {
		return Update{}, err
	}
	g.setHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return Update{}, fmt.Errorf("provider %s: poll: %w", g.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Update{}, g.classifyHTTP(resp)
	}

	var polled pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&polled); err != nil {
		return Update{}, fmt.Errorf("provider %s: decode poll response: %w", g.name, err)
	}

	status, err := normalizeStatus(polled.Status)
	if err != nil {
		return Update{}, err
	}

	update := Update{
		Status:        status,
		Progress:      polled.Progress,
		ProviderJobID: job.ProviderJobID,
		ErrorCode:     polled.ErrorCode,
		ErrorMessage:  polled.Error,
	}
	if polled.ModelURL != "" {
		update.Result = &domain.JobResult{
			ModelURL:   polled.ModelURL,
			PreviewURL: polled.PreviewURL,
			Format:     polled.Format,
		}
	}
	return update, nil
}

func (g *HTTPGateway) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
}

// classifyHTTP drains the error body and maps the response code onto the
// retryable/terminal split: timeouts, throttling and server errors are
// transient, everything else is a permanent rejection.
func (g *HTTPGateway) classifyHTTP(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = resp.Status
	}
	retryable := resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500
	return &Error{
		Code:      fmt.Sprintf("provider_http_%d", resp.StatusCode),
		Message:   message,
		Retryable: retryable,
	}
}

func normalizeStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued", "waiting", "created":
		return StatusPending, nil
	case "processing", "running", "in_progress", "generating":
		return StatusProcessing, nil
	case "completed", "succeeded", "success", "done":
		return StatusCompleted, nil
	case "failed", "error", "rejected":
		return StatusFailed, nil
	default:
		return "", &Error{
			Code:      "provider_unknown_status",
			Message:   fmt.Sprintf("unknown provider status %q", raw),
			Retryable: true,
		}
	}
}

var _ Gateway = (*HTTPGateway)(nil)
