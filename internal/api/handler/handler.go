package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/genqueue/internal/domain"
	"github.com/cuongbtq/genqueue/internal/store"
	"github.com/gin-gonic/gin"
)

// Publisher sends worker wake-up messages.
type Publisher interface {
	Dispatch(ctx context.Context, jobID string) error
	Poll(ctx context.Context, providerRequestID string) error
}

// Resetter performs the admin reset.
type Resetter interface {
	ResetStuck(ctx context.Context, ownerID string) (int, error)
}

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     store.Store
	Publisher Publisher
	Resetter  Resetter
	// Health is optional; nil reports healthy
	Health HealthChecker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     store.Store
	publisher Publisher
	resetter  Resetter
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		publisher: deps.Publisher,
		resetter:  deps.Resetter,
	}
}

// respondError maps domain errors onto HTTP status codes
func (h *JobHandler) respondError(c *gin.Context, action string, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": verr.Error(),
			"field": verr.Field,
		})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
	default:
		h.logger.Error("Failed to "+action, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to " + action,
		})
	}
}
