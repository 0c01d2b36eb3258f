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
	"strings"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
)

// Config holds provider API settings
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	CallbackURL string
	Timeout     time.Duration
}

type submitRequest struct {
	Model         string         `json:"model,omitempty"`
	Prompt        string         `json:"prompt"`
	ReferenceURLs []string       `json:"reference_urls,omitempty"`
	Width         int            `json:"width,omitempty"`
	Height        int            `json:"height,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
	WebhookURL    string         `json:"webhook_url,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type generationResponse struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output"`
	Error  string   `json:"error"`
}

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	model       string
	callbackURL string
	signer      URLSigner
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewHTTPClient creates a provider client.
func NewHTTPClient(cfg *Config, signer URLSigner, logger *slog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		callbackURL: cfg.CallbackURL,
		signer:      signer,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) Submit(ctx context.Context, job *domain.Job) (string, error) {
	refs := make([]string, 0, len(job.Payload.ReferencePaths))
	for _, p := range job.Payload.ReferencePaths {
		signed, err := c.signer.SignedURL(ctx, p)
		if err != nil {
			return "", errors.Join(domain.NewProviderUnavailable("reference signing failed"), err)
		}
		refs = append(refs, signed)
	}

	body, err := json.Marshal(submitRequest{
		Model:         c.model,
		Prompt:        job.Payload.Prompt,
		ReferenceURLs: refs,
		Width:         job.Payload.Width,
		Height:        job.Payload.Height,
		Options:       job.Payload.Options,
		WebhookURL:    c.callbackURL,
		Metadata:      map[string]any{"job_id": job.ID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit request: %w", err)
	}

	var resp generationResponse
	status, err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/generations", body, &resp)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", classify(status, resp.Error)
	}
	if resp.ID == "" {
		return "", domain.NewProviderUnavailable("submit response carried no id")
	}

	c.logger.Info("Job submitted to provider",
		slog.String("job_id", job.ID),
		slog.String("provider_request_id", resp.ID),
	)
	return resp.ID, nil
}

func (c *HTTPClient) PollStatus(ctx context.Context, providerRequestID string) (domain.ProviderState, error) {
	var resp generationResponse
	status, err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/generations/"+url.PathEscape(providerRequestID), nil, &resp)
	if err != nil {
		return domain.ProviderState{}, err
	}
	if status == http.StatusNotFound {
		return domain.ProviderState{}, domain.ErrRequestNotFound
	}
	if status >= 300 {
		// a poll is never a rejection of the job itself
		return domain.ProviderState{}, domain.NewProviderUnavailable(fmt.Sprintf("poll returned %d: %s", status, resp.Error))
	}

	kind, err := TranslateStatus(resp.Status)
	if err != nil {
		c.logger.Warn("Unrecognized provider status",
			slog.String("provider_request_id", providerRequestID),
			slog.String("status", resp.Status),
		)
		return domain.ProviderState{}, err
	}

	state := domain.ProviderState{Kind: kind}
	switch kind {
	case domain.ProviderSucceeded:
		state.Outputs = resp.Output
	case domain.ProviderFailed:
		state.Reason = resp.Error
		if state.Reason == "" {
			state.Reason = "provider reported " + resp.Status
		}
	}
	return state, nil
}

// do sends a request and decodes a JSON body into out. Transport failures come back as unavailable.
func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Join(domain.NewProviderUnavailable(method+" "+endpoint), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, errors.Join(domain.NewProviderUnavailable("failed to read response body"), err)
	}

	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			if resp.StatusCode < 300 {
				return 0, errors.Join(domain.NewProviderUnavailable("malformed response"), err)
			}
			// error bodies are not always JSON
			if r, ok := out.(*generationResponse); ok {
				r.Error = strings.TrimSpace(string(raw))
			}
		}
	}
	return resp.StatusCode, nil
}

// classify maps a non-2xx submit response onto the error taxonomy.
func classify(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized, status == http.StatusForbidden, status >= 500:
		return &domain.ProviderError{Kind: domain.ErrProviderUnavailable, StatusCode: status, Message: message}
	default:
		return &domain.ProviderError{Kind: domain.ErrProviderRejected, StatusCode: status, Message: message}
	}
}
