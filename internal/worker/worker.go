package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/dedup"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/delivery"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/registry"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

// MessageSource yields inbound job messages from the broker
type MessageSource interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Acquirer runs the provider chain for a URL
type Acquirer interface {
	Acquire(ctx context.Context, rawURL, jobID string, opts ...acquisition.Option) (*acquisition.Media, error)
}

// Deliverer uploads acquired files and removes them afterwards
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request, progress delivery.ProgressFunc) (*delivery.Report, error)
}

// Ledger persists the job lifecycle
type Ledger interface {
	CreateJob(ctx context.Context, job domain.Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, provider string) error
	FinishJob(ctx context.Context, jobID string, result domain.JobResult) error
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
	JobStatus(ctx context.Context, jobID string) (domain.JobStatus, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Source            MessageSource
	Ledger            Ledger
	Registry          *registry.Registry
	Dedup             dedup.Set
	Acquirer          Acquirer
	Deliverer         Deliverer
	Reporter          *Reporter
	Concurrency       int
	QueueSize         int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	MaxErrorLength    int
	ProgressStep      int
}

// Worker consumes job messages and runs each admitted job to completion
type Worker struct {
	logger            *slog.Logger
	source            MessageSource
	ledger            Ledger
	registry          *registry.Registry
	dedup             dedup.Set
	acquirer          Acquirer
	deliverer         Deliverer
	reporter          *Reporter
	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	maxErrorLength    int
	progressStep      int
	jobsChan          chan *domain.JobMessage
	wg                sync.WaitGroup
	now               func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	progressStep := cfg.ProgressStep
	if progressStep <= 0 {
		progressStep = 10
	}

	return &Worker{
		logger:            cfg.Logger,
		source:            cfg.Source,
		ledger:            cfg.Ledger,
		registry:          cfg.Registry,
		dedup:             cfg.Dedup,
		acquirer:          cfg.Acquirer,
		deliverer:         cfg.Deliverer,
		reporter:          cfg.Reporter,
		workerID:          "worker-" + uuid.NewString()[:8],
		concurrency:       concurrency,
		prefetchCount:     concurrency + queueSize,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: heartbeat,
		maxErrorLength:    cfg.MaxErrorLength,
		progressStep:      progressStep,
		jobsChan:          make(chan *domain.JobMessage, queueSize),
		now:               time.Now,
	}
}

// Start consumes messages until ctx is canceled or the broker closes the delivery channel.
// The dispatcher, the worker pool and the status reporter run under one errgroup.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.startMessageDispatcher(gctx, deliveries)
	})

	g.Go(func() error {
		w.spawnWorkerPool(gctx)
		w.wg.Wait()
		w.requeuePending(gctx)
		return nil
	})

	if w.reporter != nil {
		g.Go(func() error {
			return w.reporter.Run(gctx)
		})
	}

	err = g.Wait()
	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
	)
	return err
}
