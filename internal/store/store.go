// Package store persists generation jobs and prompt jobs. It is the only
// mutation surface for job state: every status change goes through
// Transition, ClaimNext or one of the prompt operations, each validated
// against the domain state machine.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
)

// ClaimFilter narrows which queued jobs ClaimNext may take.
type ClaimFilter struct {
	// OwnerCap is the per-owner active job limit; zero disables it
	OwnerCap int
	// Now gates NextAttemptAt backoff
	Now time.Time
}

// StuckCutoffs are the per-state windows the admin reset applies to jobs
// that have not reached a terminal status.
type StuckCutoffs struct {
	// Submitted bounds submitting and submitted jobs
	Submitted time.Time
	// Running bounds running and saving jobs
	Running time.Time
}

// JobCursor marks the last row of a listing page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobFilter drives the paginated job listing.
type JobFilter struct {
	OwnerID  string
	Status   domain.Status
	PageSize int
	Cursor   *JobCursor
}

// Stats are job counts per public status.
type Stats struct {
	Queued    int `json:"queued"`
	Submitted int `json:"submitted"`
	Running   int `json:"running"`
	Saving    int `json:"saving"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (s *Stats) add(status domain.Status, n int) {
	switch domain.PublicStatus(status) {
	case domain.StatusQueued:
		s.Queued += n
	case domain.StatusSubmitted:
		s.Submitted += n
	case domain.StatusRunning:
		s.Running += n
	case domain.StatusSaving:
		s.Saving += n
	case domain.StatusSucceeded:
		s.Succeeded += n
	case domain.StatusFailed:
		s.Failed += n
	}
}

// Store is the job store contract shared by the Postgres and in-memory implementations.
type Store interface {
	Enqueue(ctx context.Context, req domain.NewJob) (*domain.Job, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	GetByProviderRequestID(ctx context.Context, providerRequestID string) (*domain.Job, error)

	// Transition moves a job from one of from to to. It returns domain.ErrConflict
	// when the job is in none of from.
	Transition(ctx context.Context, id string, from []domain.Status, to domain.Status, fields domain.TransitionFields) (*domain.Job, error)

	// ClaimNext marks up to limit eligible queued jobs as submitting, oldest first per owner.
	ClaimNext(ctx context.Context, filter ClaimFilter, limit int) ([]*domain.Job, error)

	CountActive(ctx context.Context) (int, error)
	FindStuck(ctx context.Context, statuses []domain.Status, olderThan time.Time, limit int) ([]*domain.Job, error)
	ListInFlight(ctx context.Context, limit int) ([]*domain.Job, error)
	ListActive(ctx context.Context, ownerID string) ([]*domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// QueuePosition is the zero-based FIFO rank among the owner's queued jobs, -1 if not queued.
	QueuePosition(ctx context.Context, id string) (int, error)
	Stats(ctx context.Context) (Stats, error)

	// FindResettable lists jobs the admin reset may requeue; ownerID "" means all owners.
	FindResettable(ctx context.Context, ownerID string, cutoffs StuckCutoffs) ([]*domain.Job, error)

	PromptStore
}

// PromptStore holds the prompt sub-queue operations.
type PromptStore interface {
	ClaimPendingPrompts(ctx context.Context, limit int) ([]*domain.PromptJob, error)

	// CompletePrompt writes the generated prompt into the parent payload once and
	// makes the parent dispatch eligible.
	CompletePrompt(ctx context.Context, promptJobID, prompt string) (*domain.Job, error)

	// FailPrompt fails the prompt job and its parent job with reason.
	FailPrompt(ctx context.Context, promptJobID, reason string) (*domain.Job, error)

	FindStuckPrompts(ctx context.Context, olderThan time.Time, limit int) ([]*domain.PromptJob, error)
	RequeuePrompt(ctx context.Context, promptJobID string) (*domain.PromptJob, error)
}

func containsStatus(set []domain.Status, s domain.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func statusStrings(set []domain.Status) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}
