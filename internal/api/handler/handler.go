package handler

import (
	"context"
	"log/slog"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/api/domain"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/api/model"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/api/storage"
)

// JobStore is the api-service view of the jobs ledger
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	DeleteJob(ctx context.Context, code string) error
	GetJob(ctx context.Context, code string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
}

// Publisher sends job messages to the worker queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     JobStore
	Publisher Publisher
	// HealthCheck reports whether the ledger is reachable; nil means always healthy
	HealthCheck func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     JobStore
	publisher Publisher
	newCode   func() string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		publisher: deps.Publisher,
		newCode:   domain.NewCode,
	}
}
