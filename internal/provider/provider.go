// Package provider talks to the external image generation API. Provider
// status strings are translated into the closed internal vocabulary here and
// transport failures are classified into rejected or unavailable.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuongbtq/genqueue/internal/domain"
)

// Client submits generation requests and polls their progress.
type Client interface {
	// Submit sends the job and returns the provider request id. Errors wrap
	// domain.ErrProviderRejected or domain.ErrProviderUnavailable.
	Submit(ctx context.Context, job *domain.Job) (string, error)

	// PollStatus returns the translated state. It returns domain.ErrRequestNotFound
	// when the provider has no record of the id.
	PollStatus(ctx context.Context, providerRequestID string) (domain.ProviderState, error)
}

// URLSigner turns internal object paths into URLs the provider can fetch.
type URLSigner interface {
	SignedURL(ctx context.Context, objectPath string) (string, error)
}

// statusTable maps provider vocabulary onto internal states.
var statusTable = map[string]domain.ProviderStateKind{
	"starting":    domain.ProviderPending,
	"queued":      domain.ProviderPending,
	"pending":     domain.ProviderPending,
	"accepted":    domain.ProviderPending,
	"processing":  domain.ProviderRunning,
	"running":     domain.ProviderRunning,
	"in_progress": domain.ProviderRunning,
	"uploading":   domain.ProviderSaving,
	"saving":      domain.ProviderSaving,
	"finalizing":  domain.ProviderSaving,
	"succeeded":   domain.ProviderSucceeded,
	"completed":   domain.ProviderSucceeded,
	"success":     domain.ProviderSucceeded,
	"failed":      domain.ProviderFailed,
	"error":       domain.ProviderFailed,
	"canceled":    domain.ProviderFailed,
	"cancelled":   domain.ProviderFailed,
}

// TranslateStatus maps a raw provider status. Unknown values yield domain.ErrUnknownProviderState.
func TranslateStatus(raw string) (domain.ProviderStateKind, error) {
	kind, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownProviderState, raw)
	}
	return kind, nil
}
