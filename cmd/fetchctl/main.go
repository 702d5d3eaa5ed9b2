package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition/providers"
	apidomain "github.com/mehrshadmadani/telegram-downloader-bot/internal/api/domain"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/config"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/message"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/probe"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
	"github.com/mehrshadmadani/telegram-downloader-bot/shared/logger"
	"github.com/mehrshadmadani/telegram-downloader-bot/shared/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &cli.App{
		Name:  "fetchctl",
		Usage: "operate the media fetch pipeline from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "configs/worker-service/config.yaml",
				Usage:   "load settings from `FILE`",
				EnvVars: []string{"WORKER_SERVICE_CONFIG_PATH"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log at debug level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "acquire",
				Usage:     "run the provider chain for a URL and keep the files",
				ArgsUsage: "URL",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "dir",
						Usage: "save files to `DIR` instead of the configured download dir",
					},
				},
				Action: func(c *cli.Context) error {
					return acquireCmd(ctx, c)
				},
			},
			{
				Name:      "probe",
				Usage:     "print the media attributes ffprobe reports for files",
				ArgsUsage: "FILE...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "ffprobe",
						Value: "ffprobe",
						Usage: "path to the ffprobe `BINARY`",
					},
				},
				Action: func(c *cli.Context) error {
					return probeCmd(ctx, c)
				},
			},
			{
				Name:  "submit",
				Usage: "publish a job message to the worker queue",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Required: true, Usage: "source `URL`"},
					&cli.Int64Flag{Name: "user-id", Required: true, Usage: "owner chat `ID`"},
					&cli.StringFlag{Name: "code", Usage: "job `CODE`, generated when empty"},
				},
				Action: func(c *cli.Context) error {
					return submitCmd(ctx, c)
				},
			},
		},
		HideHelpCommand: true,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(c *cli.Context) (*slog.Logger, error) {
	level := "info"
	if c.Bool("verbose") {
		level = "debug"
	}
	l, err := logger.New(&logger.Config{
		Level:      level,
		Format:     "console",
		Output:     "stderr",
		TimeFormat: time.TimeOnly,
	})
	if err != nil {
		return nil, err
	}
	return l.Logger, nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func acquireCmd(ctx context.Context, c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("acquire takes exactly one URL", 2)
	}
	rawURL := c.Args().First()

	appLogger, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if dir := c.String("dir"); dir != "" {
		cfg.Providers.DownloadDir = dir
	}
	if err := cfg.ValidateProviders(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.Providers.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	coordinator, err := providers.NewCoordinator(cfg.Providers, providers.NewHTTPClient(), appLogger)
	if err != nil {
		return fmt.Errorf("failed to build providers: %w", err)
	}

	jobID := apidomain.NewCode()
	fmt.Fprintf(c.App.ErrWriter, "Category %s, chain %v\n", coordinator.Classify(rawURL), coordinator.Chain(rawURL))

	bar := progressbar.DefaultBytes(-1, "downloading")
	media, err := coordinator.Acquire(ctx, rawURL, jobID, acquisition.WithProgress(func(done, total int64) {
		if total > 0 && bar.GetMax64() != total {
			bar.ChangeMax64(total)
		}
		_ = bar.Set64(done)
	}))
	_ = bar.Finish()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "provider: %s\n", media.Provider)
	if media.Caption != "" {
		fmt.Fprintf(c.App.Writer, "caption: %s\n", media.Caption)
	}
	for _, f := range media.Files {
		fmt.Fprintln(c.App.Writer, f)
	}
	return nil
}

func probeCmd(ctx context.Context, c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("probe takes at least one file", 2)
	}

	prober := probe.New(c.String("ffprobe"), 30*time.Second)
	for _, path := range c.Args().Slice() {
		info, err := prober.Probe(ctx, path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(c.App.Writer, "%s\tduration=%ds\twidth=%d\theight=%d\n", path, info.Duration, info.Width, info.Height)
	}
	return nil
}

func submitCmd(ctx context.Context, c *cli.Context) error {
	appLogger, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	code := c.String("code")
	if code == "" {
		code = apidomain.NewCode()
	} else if err := apidomain.ValidateCode(code); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	rc := cfg.RabbitMQ.ClientConfig()
	rc.RetryAttempts = 1
	client, err := rabbitmq.NewClient(rc, appLogger)
	if err != nil {
		return err
	}
	defer client.Close()

	body := message.FormatJobRequest(domain.JobRequest{
		URL:     c.String("url"),
		Code:    code,
		OwnerID: c.Int64("user-id"),
	})
	if err := client.PublishWithRetry(ctx, []byte(body), rabbitmq.ContentTypeText); err != nil {
		return err
	}

	fmt.Fprintln(c.App.Writer, code)
	return nil
}
