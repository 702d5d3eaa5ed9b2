package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/delivery"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/message"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/metrics"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

// ledgerTimeout bounds ledger writes made after the job context has ended
const ledgerTimeout = 5 * time.Second

// processJob drives one job through Downloading, Processing and Uploading to a
// terminal state. It returns domain.ErrJobInterrupted when ctx was canceled
// before the job finished; every other outcome is recorded and returns nil.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	job := msg.Request
	w.logger.Info("Processing job",
		slog.String("job_id", job.Code),
		slog.String("worker_id", w.workerID),
	)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.Code, heartbeatDone)
	defer close(heartbeatDone)

	// Step 1: acquire
	w.transition(jobCtx, job.Code, domain.JobStatusDownloading, "Downloading", "")
	dl := newPercentTracker(w.progressStep, func(pct int) {
		w.setDetail(job.Code, fmt.Sprintf("Downloading: %d%%", pct))
	})

	media, err := w.acquirer.Acquire(jobCtx, job.URL, job.Code, acquisition.WithProgress(dl.update))
	if err != nil {
		if ctx.Err() != nil {
			return w.interrupted(job.Code, err)
		}
		w.fail(job.Code, failureReason(err), domain.JobResult{})
		return nil
	}

	// Step 2: inspect what the provider produced
	w.setProvider(job.Code, media.Provider)
	w.transition(jobCtx, job.Code, domain.JobStatusProcessing,
		fmt.Sprintf("Processing %d file(s) from %s", len(media.Files), media.Provider), media.Provider)

	// Step 3: upload; the deliverer owns and removes the files from here on
	w.transition(jobCtx, job.Code, domain.JobStatusUploading, "Uploading", media.Provider)
	report, err := w.deliverer.Deliver(jobCtx, delivery.Request{
		JobID:    job.Code,
		OwnerID:  job.OwnerID,
		Files:    media.Files,
		Caption:  media.Caption,
		Provider: media.Provider,
	}, func(detail string) {
		w.setDetail(job.Code, detail)
	})
	if report == nil {
		report = &delivery.Report{Total: len(media.Files)}
	}

	result := domain.JobResult{
		Provider:       media.Provider,
		FilesTotal:     report.Total,
		FilesDelivered: report.Delivered,
		BytesDelivered: report.Bytes,
	}

	// Step 4: terminal state; at least one delivered file completes the job
	if report.Delivered > 0 {
		detail := "Completed"
		if report.Delivered < report.Total {
			detail = fmt.Sprintf("Completed (%d/%d delivered)", report.Delivered, report.Total)
		}
		w.complete(job.Code, detail, result)
		return nil
	}

	if ctx.Err() != nil {
		return w.interrupted(job.Code, err)
	}

	cause := err
	if report.LastError != nil {
		cause = report.LastError
	}
	if cause == nil {
		cause = domain.ErrNoFilesDelivered
	}
	w.fail(job.Code, cause.Error(), result)
	return nil
}

// failureReason is the text shown for a failed acquisition
func failureReason(err error) string {
	var exhausted *acquisition.ExhaustedError
	if errors.As(err, &exhausted) && exhausted.Reason != "" {
		return exhausted.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "job timed out"
	}
	return err.Error()
}

func (w *Worker) transition(ctx context.Context, jobID string, status domain.JobStatus, detail, provider string) {
	if err := w.registry.SetStatus(jobID, status, detail); err != nil {
		w.logger.Warn("Failed to update registry",
			slog.String("job_id", jobID),
			slog.String("status", status.String()),
			slog.String("error", err.Error()),
		)
	}

	if w.ledger == nil {
		return
	}
	if err := w.ledger.UpdateJobStatus(ctx, jobID, status, provider); err != nil {
		w.logger.Error("Failed to update job status",
			slog.String("job_id", jobID),
			slog.String("status", status.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) setDetail(jobID, detail string) {
	if err := w.registry.SetDetail(jobID, detail); err != nil {
		w.logger.Debug("Failed to update job detail",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) setProvider(jobID, provider string) {
	if err := w.registry.SetProvider(jobID, provider); err != nil {
		w.logger.Debug("Failed to set job provider",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) complete(jobID, detail string, result domain.JobResult) {
	if err := w.registry.Complete(jobID, detail); err != nil {
		w.logger.Warn("Failed to complete job in registry",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	result.Status = domain.JobStatusCompleted
	w.finish(jobID, result)
	metrics.RecordJobFinished(domain.JobStatusCompleted.String())

	w.logger.Info("Job completed successfully",
		slog.String("job_id", jobID),
		slog.String("provider", result.Provider),
		slog.Int("files_delivered", result.FilesDelivered),
		slog.Int("files_total", result.FilesTotal),
		slog.Int64("bytes", result.BytesDelivered),
	)
}

func (w *Worker) fail(jobID, reason string, result domain.JobResult) {
	shown := message.Truncate(reason, w.maxErrorLength)
	if err := w.registry.Fail(jobID, shown); err != nil {
		w.logger.Warn("Failed to fail job in registry",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	result.Status = domain.JobStatusFailed
	result.Error = reason
	w.finish(jobID, result)
	metrics.RecordJobFinished(domain.JobStatusFailed.String())

	w.logger.Error("Job failed",
		slog.String("job_id", jobID),
		slog.String("error", reason),
	)
}

func (w *Worker) finish(jobID string, result domain.JobResult) {
	if w.ledger == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()

	if err := w.ledger.FinishJob(ctx, jobID, result); err != nil {
		w.logger.Error("Failed to record job result",
			slog.String("job_id", jobID),
			slog.String("status", result.Status.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) interrupted(jobID string, cause error) error {
	w.logger.Warn("Job interrupted by shutdown",
		slog.String("job_id", jobID),
		slog.Any("cause", cause),
	)
	return domain.ErrJobInterrupted
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	if w.ledger == nil {
		return
	}

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.ledger.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// percentTracker reports download progress in whole buckets of step percent
type percentTracker struct {
	mu   sync.Mutex
	step int
	last int
	fn   func(pct int)
}

func newPercentTracker(step int, fn func(pct int)) *percentTracker {
	return &percentTracker{step: step, last: -1, fn: fn}
}

func (t *percentTracker) update(done, total int64) {
	if total <= 0 {
		return
	}
	pct := int(math.Min(100, float64(done)*100/float64(total)))
	bucket := pct / t.step * t.step

	t.mu.Lock()
	defer t.mu.Unlock()
	// a new provider attempt restarts from zero
	if bucket < t.last && bucket == 0 {
		t.last = -1
	}
	if bucket <= t.last {
		return
	}
	t.last = bucket
	t.fn(bucket)
}
