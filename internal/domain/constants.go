package domain

import "slices"

// Status is the lifecycle state of a generation job.
type Status string

// Job status constants
const (
	StatusQueued     Status = "queued"
	StatusSubmitting Status = "submitting" // claimed, provider call in flight
	StatusSubmitted  Status = "submitted"
	StatusRunning    Status = "running"
	StatusSaving     Status = "saving"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// PromptStatus is the lifecycle state of a prompt enrichment job.
type PromptStatus string

// Prompt status constants. An empty PromptStatus means the job has no prompt dependency.
const (
	PromptNone       PromptStatus = ""
	PromptPending    PromptStatus = "pending"
	PromptGenerating PromptStatus = "generating"
	PromptCompleted  PromptStatus = "completed"
	PromptFailed     PromptStatus = "failed"
)

// FailureKind records why a job ended up failed.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureRejected  FailureKind = "rejected"
	FailureTimeout   FailureKind = "timeout"
	FailureExhausted FailureKind = "exhausted"
	FailureProvider  FailureKind = "provider"
	FailurePrompt    FailureKind = "prompt"
	FailureStorage   FailureKind = "storage"
)

// ProviderStateKind is the internal vocabulary the provider's status is translated into.
type ProviderStateKind string

const (
	ProviderPending   ProviderStateKind = "pending"
	ProviderRunning   ProviderStateKind = "running"
	ProviderSaving    ProviderStateKind = "saving"
	ProviderSucceeded ProviderStateKind = "succeeded"
	ProviderFailed    ProviderStateKind = "failed"
)

var (
	// ActiveStatuses count against concurrency caps.
	ActiveStatuses = []Status{StatusSubmitting, StatusSubmitted, StatusRunning, StatusSaving}

	// InFlightStatuses are the statuses the provider is polled for.
	InFlightStatuses = []Status{StatusSubmitted, StatusRunning, StatusSaving}

	// OpenStatuses are every non-terminal status.
	OpenStatuses = []Status{StatusQueued, StatusSubmitting, StatusSubmitted, StatusRunning, StatusSaving}

	// AllStatuses in pipeline order.
	AllStatuses = []Status{
		StatusQueued, StatusSubmitting, StatusSubmitted, StatusRunning,
		StatusSaving, StatusSucceeded, StatusFailed,
	}
)

// ParseStatus converts a public status string into a Status.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Active reports whether s counts against concurrency caps.
func (s Status) Active() bool {
	return slices.Contains(ActiveStatuses, s)
}

// InFlight reports whether the provider holds a request for a job in s.
func (s Status) InFlight() bool {
	return slices.Contains(InFlightStatuses, s)
}
