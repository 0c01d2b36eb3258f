package dto

import (
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
)

type CreateJobRequest struct {
	OwnerID        string         `json:"owner_id" binding:"required"`
	RowID          string         `json:"row_id"`
	VariantRowID   string         `json:"variant_row_id"`
	ReferencePaths []string       `json:"reference_paths"`
	TargetPath     string         `json:"target_path" binding:"required"`
	Prompt         string         `json:"prompt"`
	Instructions   string         `json:"instructions"`
	Width          int            `json:"width" binding:"gte=0"`
	Height         int            `json:"height" binding:"gte=0"`
	Options        map[string]any `json:"options"`
	GeneratePrompt bool           `json:"generate_prompt"`
}

// ToNewJob maps the request onto the enqueue input.
func (r *CreateJobRequest) ToNewJob() domain.NewJob {
	return domain.NewJob{
		OwnerID:        r.OwnerID,
		RowID:          r.RowID,
		VariantRowID:   r.VariantRowID,
		GeneratePrompt: r.GeneratePrompt,
		Payload: domain.Payload{
			ReferencePaths: r.ReferencePaths,
			TargetPath:     r.TargetPath,
			Prompt:         r.Prompt,
			Instructions:   r.Instructions,
			Width:          r.Width,
			Height:         r.Height,
			Options:        r.Options,
		},
	}
}

type ListJobsRequest struct {
	OwnerID  string `form:"owner_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID             string         `json:"job_id"`
	OwnerID           string         `json:"owner_id"`
	RowID             string         `json:"row_id,omitempty"`
	VariantRowID      string         `json:"variant_row_id,omitempty"`
	Status            string         `json:"status"`
	PromptStatus      string         `json:"prompt_status,omitempty"`
	ProviderRequestID string         `json:"provider_request_id,omitempty"`
	Payload           domain.Payload `json:"payload"`
	OutputPaths       []string       `json:"output_paths,omitempty"`
	Error             string         `json:"error,omitempty"`
	FailureKind       string         `json:"failure_kind,omitempty"`
	Attempts          int            `json:"attempts"`
	QueuePosition     *int           `json:"queue_position,omitempty"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
}

// NewJobDTO renders a job with its public status.
func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:             job.ID,
		OwnerID:           job.OwnerID,
		RowID:             job.RowID,
		VariantRowID:      job.VariantRowID,
		Status:            string(domain.PublicStatus(job.Status)),
		PromptStatus:      string(job.PromptStatus),
		ProviderRequestID: job.ProviderRequestID,
		Payload:           job.Payload,
		OutputPaths:       job.OutputPaths,
		Error:             job.Error,
		FailureKind:       string(job.FailureKind),
		Attempts:          job.Attempts,
		CreatedAt:         job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         job.UpdatedAt.Format(time.RFC3339),
	}
}

type ActiveJobDTO struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	RowID     string `json:"rowId"`
	CreatedAt string `json:"createdAt"`
}

type ResetRequest struct {
	OwnerID string `json:"owner_id"`
}

type ResetResponse struct {
	Reset int `json:"reset"`
}

// ProviderCallbackRequest is the provider webhook body. Only the id is trusted.
type ProviderCallbackRequest struct {
	ID     string `json:"id" binding:"required"`
	Status string `json:"status"`
}
