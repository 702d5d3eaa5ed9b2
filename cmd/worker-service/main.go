package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition/providers"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/config"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/dedup"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/delivery"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/probe"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/registry"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/transport/telegram"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/storage"
	"github.com/mehrshadmadani/telegram-downloader-bot/shared/logger"
	"github.com/mehrshadmadani/telegram-downloader-bot/shared/postgresql"
	"github.com/mehrshadmadani/telegram-downloader-bot/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := postgresql.NewClient(cfg.Database.ClientConfig(), appLogger.Component("postgres"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := dbClient.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := dbClient.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	rabbitClient, err := rabbitmq.NewClient(cfg.RabbitMQ.ClientConfig(), appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	dedupSet, err := initDedup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize dedup set: %w", err)
	}
	defer dedupSet.Close()

	appLogger.Info("Dedup set ready", slog.String("backend", cfg.Dedup.Backend))

	httpClient := providers.NewHTTPClient()
	coordinator, err := providers.NewCoordinator(cfg.Providers, httpClient, appLogger.Component("acquisition"))
	if err != nil {
		return fmt.Errorf("failed to build providers: %w", err)
	}

	bot := telegram.New(cfg.Telegram, &http.Client{}, appLogger.Component("telegram"))
	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach Telegram Bot API: %w", err)
	}

	appLogger.Info("Telegram bot authorized",
		slog.String("username", me.Username),
		slog.Int64("bot_id", me.ID),
	)

	deliverer := delivery.New(delivery.Config{
		Logger:            appLogger.Component("delivery"),
		Uploader:          bot,
		Prober:            probe.New(cfg.Delivery.FFprobePath, cfg.Delivery.ProbeTimeout),
		Route:             cfg.Delivery.Route,
		ChatID:            cfg.Telegram.ChatID,
		ThreadID:          cfg.Telegram.ThreadID,
		MaxAttempts:       cfg.Delivery.MaxAttempts,
		InitialBackoff:    cfg.Delivery.InitialBackoff,
		MaxBackoff:        cfg.Delivery.MaxBackoff,
		BackoffMultiplier: cfg.Delivery.BackoffMultiplier,
		UploadTimeout:     cfg.Delivery.UploadTimeout,
		CaptionLimit:      cfg.Delivery.CaptionLimit,
		ProgressStep:      cfg.Delivery.ProgressStep,
	})

	jobs := registry.New()
	reporter := worker.NewReporter(worker.ReporterConfig{
		Logger:         appLogger.Component("dashboard"),
		Registry:       jobs,
		Out:            dashboardOutput(cfg.Dashboard.Output),
		Interval:       cfg.Dashboard.Interval,
		GracePeriod:    cfg.Dashboard.GracePeriod,
		MaxErrorLength: cfg.Dashboard.MaxErrorLength,
	})

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Source:            rabbitClient,
		Ledger:            storage.NewStorage(dbClient.GetDB(), appLogger.Component("ledger")),
		Registry:          jobs,
		Dedup:             dedupSet,
		Acquirer:          coordinator,
		Deliverer:         deliverer,
		Reporter:          reporter,
		Concurrency:       cfg.Worker.Concurrency,
		QueueSize:         cfg.Worker.QueueSize,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		MaxErrorLength:    cfg.Dashboard.MaxErrorLength,
		ProgressStep:      cfg.Delivery.ProgressStep,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})
	if cfg.Worker.StatusPort != 0 {
		g.Go(func() error {
			addr := fmt.Sprintf(":%d", cfg.Worker.StatusPort)
			return worker.ServeStatus(gctx, addr, worker.NewStatusRouter(jobs), appLogger.Logger)
		})
	}

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Any("categories", coordinator.Categories()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case <-gctx.Done():
	}

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   timeFormat,
	})
}

// initDedup opens the configured admitted-id backend
func initDedup(ctx context.Context, cfg *config.Config) (dedup.Set, error) {
	switch cfg.Dedup.Backend {
	case config.DedupRedis:
		return dedup.NewRedisSet(ctx, dedup.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Dedup.KeyPrefix,
			TTL:      cfg.Dedup.TTL,
		})
	case config.DedupBolt:
		return dedup.NewBoltSet(cfg.Dedup.Path, cfg.Dedup.TTL)
	default:
		return dedup.NewMemorySet(cfg.Dedup.Capacity), nil
	}
}

func dashboardOutput(name string) io.Writer {
	switch name {
	case "none":
		return nil
	case "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}
