package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/message"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/metrics"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

// setupConsumer sets QoS and starts consuming. Prefetch covers the running jobs
// plus the queued ones so the broker stops delivering when the pool is saturated.
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if w.source == nil {
		return nil, fmt.Errorf("message source is nil")
	}

	if err := w.source.Qos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.source.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// startMessageDispatcher parses deliveries, drops malformed and duplicate
// messages, admits new jobs and hands them to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	defer close(w.jobsChan)

	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return domain.ErrSourceClosed
			}

			jobMsg, ok := w.admit(ctx, delivery)
			if !ok {
				continue
			}

			select {
			case w.jobsChan <- jobMsg:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", jobMsg.JobID()),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				w.requeue(jobMsg)
				return nil
			}
		}
	}
}

// admit validates a delivery and registers the job. It acknowledges every
// delivery it does not admit.
func (w *Worker) admit(ctx context.Context, delivery amqp.Delivery) (*domain.JobMessage, bool) {
	req, err := message.ParseJobRequest(string(delivery.Body))
	if err != nil {
		w.logger.Error("Dropping malformed job message",
			slog.String("error", err.Error()),
			slog.String("body", message.Truncate(string(delivery.Body), 200)),
		)
		metrics.RecordDispatch(metrics.DispatchMalformed)
		// NACK without requeue - malformed messages go to the DLQ if one is bound
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return nil, false
	}

	job := domain.Job{
		ID:        req.Code,
		OwnerID:   req.OwnerID,
		SourceURL: req.URL,
		Status:    domain.JobStatusQueued,
		CreatedAt: w.now(),
	}

	err = w.claim(ctx, job, delivery.Redelivered)
	if errors.Is(err, domain.ErrDuplicateJob) {
		w.logger.Warn("Duplicate job skipped",
			slog.String("job_id", req.Code),
			slog.Int64("owner_id", req.OwnerID),
			slog.Bool("redelivered", delivery.Redelivered),
		)
		metrics.RecordDispatch(metrics.DispatchDuplicate)
		if ackErr := delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK duplicate message",
				slog.String("job_id", req.Code),
				slog.String("error", ackErr.Error()),
			)
		}
		return nil, false
	}
	if err != nil {
		w.logger.Error("Admission check failed, requeueing message",
			slog.String("job_id", req.Code),
			slog.String("error", err.Error()),
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("job_id", req.Code),
				slog.String("error", nackErr.Error()),
			)
		}
		return nil, false
	}

	if w.ledger != nil {
		if err := w.ledger.CreateJob(ctx, job); err != nil {
			w.logger.Error("Failed to record job in ledger",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.RecordDispatch(metrics.DispatchAdmitted)
	w.logger.Info("Job admitted",
		slog.String("job_id", job.ID),
		slog.Int64("owner_id", job.OwnerID),
		slog.String("url", job.SourceURL),
	)

	return &domain.JobMessage{Request: req, Delivery: delivery}, true
}

// claim records the job id in the dedup set and the registry. It returns
// ErrDuplicateJob when the id is already taken, unless the broker is
// redelivering a job that never finished.
func (w *Worker) claim(ctx context.Context, job domain.Job, redelivered bool) error {
	added, err := w.dedup.Add(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}

	if !added {
		if !redelivered {
			return domain.ErrDuplicateJob
		}
		resume, err := w.unfinished(ctx, job.ID)
		if err != nil {
			return err
		}
		if !resume {
			return domain.ErrDuplicateJob
		}
		w.logger.Info("Resuming redelivered job",
			slog.String("job_id", job.ID),
		)
	}

	// the registry still holds finished jobs for the grace period, which also
	// catches ids the dedup set has already evicted
	if err := w.registry.Create(job); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDuplicateJob, err)
	}
	return nil
}

// unfinished reports whether an already admitted id belongs to a job that no
// worker is running and that never reached a terminal status. A persistent
// dedup set keeps ids across a crash while the broker redelivers the message.
func (w *Worker) unfinished(ctx context.Context, jobID string) (bool, error) {
	if _, ok := w.registry.Get(jobID); ok {
		return false, nil
	}
	if w.ledger == nil {
		return true, nil
	}

	status, err := w.ledger.JobStatus(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger status check: %w", err)
	}
	return !status.IsTerminal(), nil
}

// requeue hands an unstarted or interrupted job back to the broker and forgets it locally
func (w *Worker) requeue(msg *domain.JobMessage) {
	jobID := msg.JobID()

	// the worker context is already canceled at this point
	if err := w.dedup.Remove(context.Background(), jobID); err != nil {
		w.logger.Warn("Failed to release job id",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	w.registry.Remove(jobID)

	if nackErr := msg.Delivery.Nack(false, true); nackErr != nil {
		w.logger.Error("Failed to NACK message on shutdown",
			slog.String("job_id", jobID),
			slog.String("error", nackErr.Error()),
		)
		return
	}

	w.logger.Info("Job requeued",
		slog.String("job_id", jobID),
	)
}

// requeuePending returns every job still waiting in the queue once the pool has stopped
func (w *Worker) requeuePending(ctx context.Context) {
	<-ctx.Done()
	for msg := range w.jobsChan {
		w.requeue(msg)
	}
}
