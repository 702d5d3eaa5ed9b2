package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

// Storage is the worker's view of the jobs ledger
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// CreateJob records an admitted job. A row written earlier by the api-service,
// or by a previous delivery of the same message, is reset to Queued.
func (s *Storage) CreateJob(ctx context.Context, job domain.Job) error {
	query := `
		INSERT INTO jobs (code, owner_id, source_url, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (code) DO UPDATE
		SET status = EXCLUDED.status,
		    error_message = '',
		    updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query, job.ID, job.OwnerID, job.SourceURL, domain.JobStatusQueued, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug("Job recorded",
		slog.String("job_id", job.ID),
	)
	return nil
}

// UpdateJobStatus records a non-terminal transition
func (s *Storage) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, provider string) error {
	query := `
		UPDATE jobs
		SET status = $1::text,
		    provider = CASE WHEN $2::text <> '' THEN $2::text ELSE provider END,
		    started_at = CASE WHEN $1::text = $3::text THEN NOW() ELSE started_at END,
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE code = $4
	`

	result, err := s.db.ExecContext(ctx, query, status, provider, domain.JobStatusDownloading, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}

	return nil
}

// FinishJob records the terminal state together with the delivery counts
func (s *Storage) FinishJob(ctx context.Context, jobID string, result domain.JobResult) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    provider = $2,
		    error_message = $3,
		    files_total = $4,
		    files_delivered = $5,
		    bytes_delivered = $6,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE code = $7
	`

	_, err := s.db.ExecContext(ctx, query,
		result.Status,
		result.Provider,
		result.Error,
		result.FilesTotal,
		result.FilesDelivered,
		result.BytesDelivered,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	s.logger.Info("Job result recorded",
		slog.String("job_id", jobID),
		slog.String("status", result.Status.String()),
	)
	return nil
}

// UpdateJobHeartbeat updates the last_heartbeat_at timestamp for a running job
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE code = $1 AND status = ANY($2)
	`

	active := []string{
		domain.JobStatusDownloading.String(),
		domain.JobStatusProcessing.String(),
		domain.JobStatusUploading.String(),
	}

	result, err := s.db.ExecContext(ctx, query, jobID, pq.Array(active))
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// JobStatus returns the recorded status of a job
func (s *Storage) JobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var status string
	err := s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE code = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read job status: %w", err)
	}
	return domain.JobStatus(status), nil
}
