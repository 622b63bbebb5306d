package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/repository"
	"github.com/timmy/stratum/internal/scheduler"
)

// JobHandler handles extraction job endpoints.
type JobHandler struct {
	scheduler *scheduler.Scheduler
	jobs      *repository.JobRepository
	records   *repository.RecordRepository
	logs      *repository.LogRepository
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - sched: scheduler that accepts and cancels jobs.
//   - store: repositories backing job queries.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(sched *scheduler.Scheduler, store *repository.Store) *JobHandler {
	return &JobHandler{
		scheduler: sched,
		jobs:      store.Jobs,
		records:   store.Records,
		logs:      store.Logs,
	}
}

// SubmitJobRequest is the request body for POST /api/v1/jobs.
type SubmitJobRequest struct {
	DocumentRef string              `json:"document_ref" binding:"required"`
	Templates   domain.TemplateRefs `json:"templates" binding:"required"`
}

// SubmitJob handles POST /api/v1/jobs. The job is accepted and persisted as
// pending before the response is written; extraction runs asynchronously.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	job, err := h.scheduler.Submit(c.Request.Context(), req.DocumentRef, req.Templates)
	if err != nil {
		if errors.Is(err, scheduler.ErrClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Scheduler is shutting down",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// ListJobs handles GET /api/v1/jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) ListJobs(c *gin.Context) {
	status := domain.JobStatus(c.Query("status"))

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	jobs, err := h.jobs.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJob handles GET /api/v1/jobs/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) GetJob(c *gin.Context) {
	id := c.Param("id")

	job, err := h.jobs.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load job: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// CancelJob handles POST /api/v1/jobs/:id/cancel. Pending jobs are withdrawn
// without running; running jobs stop at their next cancellation point.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")

	err := h.scheduler.Cancel(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"status": "cancellation requested",
		})
	case errors.Is(err, scheduler.ErrJobNotFound):
		// The scheduler only tracks live jobs; check the store so a finished
		// job reports its terminal state instead of a 404.
		job, getErr := h.jobs.GetByID(c.Request.Context(), id)
		if getErr != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job already " + string(job.Status),
		})
	case errors.Is(err, scheduler.ErrJobTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job already in a terminal state",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job: " + err.Error(),
		})
	}
}

// GetJobLogs handles GET /api/v1/jobs/:id/logs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) GetJobLogs(c *gin.Context) {
	id := c.Param("id")
	level := domain.LogLevel(c.Query("level"))

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	logs, err := h.logs.ListByJob(c.Request.Context(), id, level, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list job logs: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": id,
		"logs":   logs,
	})
}

// GetJobRecords handles GET /api/v1/jobs/:id/records.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) GetJobRecords(c *gin.Context) {
	id := c.Param("id")
	kind := c.Query("kind")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, err := h.records.ListByJob(c.Request.Context(), id, kind, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list records: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":  id,
		"records": records,
		"limit":   limit,
		"offset":  offset,
	})
}
