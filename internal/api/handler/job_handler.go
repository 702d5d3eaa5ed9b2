package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/api/domain"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/api/dto"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/api/model"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/api/storage"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/message"
	workerdomain "github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
	"github.com/mehrshadmadani/telegram-downloader-bot/shared/rabbitmq"
)

// CreateJob handles POST /api/v1/jobs
// Records a queued job and publishes its message to the worker queue
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	code := req.Code
	if code == "" {
		code = h.newCode()
	} else if err := domain.ValidateCode(code); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	now := time.Now().UTC()
	job := model.Job{
		Code:      code,
		OwnerID:   req.UserID,
		SourceURL: req.URL,
		Status:    workerdomain.JobStatusQueued.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx := c.Request.Context()
	if err := h.store.CreateJob(ctx, &job); err != nil {
		if errors.Is(err, domain.ErrJobExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Job code already exists",
				"code":  code,
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	body := message.FormatJobRequest(workerdomain.JobRequest{
		URL:     job.SourceURL,
		Code:    job.Code,
		OwnerID: job.OwnerID,
	})
	if err := h.publisher.PublishWithRetry(ctx, []byte(body), rabbitmq.ContentTypeText); err != nil {
		h.logger.Error("Failed to publish job",
			slog.String("job_id", code),
			slog.String("error", err.Error()),
		)
		// roll back so the code can be submitted again
		if delErr := h.store.DeleteJob(context.WithoutCancel(ctx), code); delErr != nil {
			h.logger.Error("Failed to roll back job", slog.String("job_id", code), slog.String("error", delErr.Error()))
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Job submitted",
		slog.String("job_id", code),
		slog.Int64("user_id", job.OwnerID),
	)

	c.JSON(http.StatusCreated, toDTO(job))
}

// GetJob handles GET /api/v1/jobs/:code
func (h *JobHandler) GetJob(c *gin.Context) {
	code := c.Param("code")
	if err := domain.ValidateCode(code); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), code)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toDTO(*job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.ValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), storage.JobFilter{
		OwnerID:  req.UserID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = toDTO(job)
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			Code:      last.Code,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

func toDTO(job model.Job) dto.JobDTO {
	out := dto.JobDTO{
		Code:           job.Code,
		UserID:         job.OwnerID,
		URL:            job.SourceURL,
		Status:         job.Status,
		Provider:       job.Provider,
		Error:          job.ErrorMessage,
		FilesTotal:     job.FilesTotal,
		FilesDelivered: job.FilesDelivered,
		BytesDelivered: job.BytesDelivered,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}
	if job.CompletedAt.Valid {
		out.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}
	return out
}
