package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/genqueue/internal/api/dto"
	"github.com/cuongbtq/genqueue/internal/domain"
	"github.com/cuongbtq/genqueue/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a generation job and wakes the dispatcher
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	job, err := h.store.Enqueue(ctx, req.ToNewJob())
	if err != nil {
		h.respondError(c, "create job", err)
		return
	}

	h.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("owner_id", job.OwnerID),
		slog.Bool("generate_prompt", req.GeneratePrompt),
	)

	// the periodic cycle picks the job up if this is lost
	if job.PromptStatus == domain.PromptNone {
		if err := h.publisher.Dispatch(ctx, job.ID); err != nil {
			h.logger.Warn("Failed to publish dispatch trigger",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	resp := dto.NewJobDTO(job)
	h.attachPosition(ctx, &resp)
	c.JSON(http.StatusCreated, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns one job with its queue position while queued
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	ctx := c.Request.Context()
	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		h.respondError(c, "get job", err)
		return
	}

	resp := dto.NewJobDTO(job)
	h.attachPosition(ctx, &resp)
	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	var status domain.Status
	if req.Status != "" {
		s, ok := domain.ParseStatus(req.Status)
		if !ok || s == domain.StatusSubmitting {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid status",
			})
			return
		}
		status = s
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), store.JobFilter{
		OwnerID:  req.OwnerID,
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, "list jobs", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(job)
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// ListActive handles GET /api/v1/owners/:owner_id/jobs/active
func (h *JobHandler) ListActive(c *gin.Context) {
	jobs, err := h.store.ListActive(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		h.respondError(c, "list active jobs", err)
		return
	}

	resp := make([]dto.ActiveJobDTO, len(jobs))
	for i, job := range jobs {
		resp[i] = dto.ActiveJobDTO{
			ID:        job.ID,
			Status:    string(domain.PublicStatus(job.Status)),
			RowID:     job.GroupID(),
			CreatedAt: job.CreatedAt.Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// QueueStats handles GET /api/v1/queue/stats
func (h *JobHandler) QueueStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, "get queue stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// AdminReset handles POST /api/v1/admin/reset
// Requeues stuck and timed-out jobs, optionally for one owner
func (h *JobHandler) AdminReset(c *gin.Context) {
	var req dto.ResetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
	}

	ctx := c.Request.Context()
	n, err := h.resetter.ResetStuck(ctx, req.OwnerID)
	if err != nil {
		h.respondError(c, "reset jobs", err)
		return
	}

	h.logger.Info("Admin reset requested",
		slog.String("owner_id", req.OwnerID),
		slog.Int("reset", n),
	)

	if n > 0 {
		if err := h.publisher.Dispatch(ctx, ""); err != nil {
			h.logger.Warn("Failed to publish dispatch trigger", slog.String("error", err.Error()))
		}
	}
	c.JSON(http.StatusOK, dto.ResetResponse{Reset: n})
}

// ProviderCallback handles POST /api/v1/providers/callback
// Treats the webhook as a hint and asks a worker to poll the request
func (h *JobHandler) ProviderCallback(c *gin.Context) {
	var req dto.ProviderCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	h.logger.Info("Provider callback received",
		slog.String("provider_request_id", req.ID),
		slog.String("status", req.Status),
	)

	if err := h.publisher.Poll(c.Request.Context(), req.ID); err != nil {
		h.respondError(c, "publish poll trigger", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *JobHandler) attachPosition(ctx context.Context, resp *dto.JobDTO) {
	if resp.Status != string(domain.StatusQueued) {
		return
	}
	pos, err := h.store.QueuePosition(ctx, resp.JobID)
	if err != nil {
		h.logger.Warn("Failed to compute queue position",
			slog.String("job_id", resp.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	if pos >= 0 {
		resp.QueuePosition = &pos
	}
}
