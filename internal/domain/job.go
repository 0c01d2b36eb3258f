package domain

import (
	"path"
	"strings"
	"time"
)

// MaxDimension bounds requested output width and height.
const MaxDimension = 8192

// Payload holds the generation parameters. Everything except Prompt is fixed at creation.
type Payload struct {
	ReferencePaths []string       `json:"reference_paths"`
	TargetPath     string         `json:"target_path"`
	Prompt         string         `json:"prompt"`
	Instructions   string         `json:"instructions,omitempty"`
	Width          int            `json:"width,omitempty"`
	Height         int            `json:"height,omitempty"`
	Options        map[string]any `json:"options,omitempty"`
}

// Job is one generation request tracked through the dispatch pipeline.
type Job struct {
	ID                string
	OwnerID           string
	RowID             string
	VariantRowID      string
	Status            Status
	ProviderRequestID string
	PromptJobID       string
	PromptStatus      PromptStatus
	Payload           Payload
	OutputPaths       []string
	Error             string
	FailureKind       FailureKind
	Attempts          int
	NextAttemptAt     time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GroupID returns whichever grouping reference is set.
func (j *Job) GroupID() string {
	if j.RowID != "" {
		return j.RowID
	}
	return j.VariantRowID
}

// DispatchEligible reports whether a queued job may be claimed at now.
func (j *Job) DispatchEligible(now time.Time) bool {
	if j.Status != StatusQueued {
		return false
	}
	if j.PromptStatus != PromptNone && j.PromptStatus != PromptCompleted {
		return false
	}
	return j.NextAttemptAt.IsZero() || !j.NextAttemptAt.After(now)
}

// Resettable reports whether the admin reset may requeue a failed job.
// Rejections and prompt failures stay failed.
func (j *Job) Resettable() bool {
	if j.Status != StatusFailed {
		return false
	}
	return j.FailureKind == FailureTimeout || j.FailureKind == FailureExhausted
}

// PromptJob tracks prompt enrichment for one parent job.
type PromptJob struct {
	ID        string
	JobID     string
	Status    PromptStatus
	Attempts  int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob is the enqueue input.
type NewJob struct {
	OwnerID        string
	RowID          string
	VariantRowID   string
	Payload        Payload
	GeneratePrompt bool
}

// Validate checks references and parameters before anything is persisted.
func (n *NewJob) Validate() error {
	if strings.TrimSpace(n.OwnerID) == "" {
		return &ValidationError{Field: "owner_id", Reason: "is required"}
	}
	if (n.RowID == "") == (n.VariantRowID == "") {
		return &ValidationError{Field: "row_id", Reason: "exactly one of row_id or variant_row_id must be set"}
	}
	for _, p := range n.Payload.ReferencePaths {
		if err := validateObjectPath("reference_paths", p); err != nil {
			return err
		}
	}
	if err := validateObjectPath("target_path", n.Payload.TargetPath); err != nil {
		return err
	}
	// zero leaves the size to the provider
	if n.Payload.Width < 0 || n.Payload.Width > MaxDimension {
		return &ValidationError{Field: "width", Reason: "out of range"}
	}
	if n.Payload.Height < 0 || n.Payload.Height > MaxDimension {
		return &ValidationError{Field: "height", Reason: "out of range"}
	}
	if n.GeneratePrompt {
		if len(n.Payload.ReferencePaths) == 0 {
			return &ValidationError{Field: "reference_paths", Reason: "prompt generation needs at least one reference image"}
		}
	} else if strings.TrimSpace(n.Payload.Prompt) == "" {
		return &ValidationError{Field: "prompt", Reason: "is required unless prompt generation is requested"}
	}
	return nil
}

func validateObjectPath(field, p string) error {
	switch {
	case strings.TrimSpace(p) == "":
		return &ValidationError{Field: field, Reason: "path is empty"}
	case strings.HasPrefix(p, "/"), strings.Contains(p, "\\"), strings.Contains(p, "://"):
		return &ValidationError{Field: field, Reason: "path must be a relative object path: " + p}
	case path.Clean(p) != p, strings.HasPrefix(p, ".."):
		return &ValidationError{Field: field, Reason: "path is not canonical: " + p}
	}
	return nil
}
