package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/message"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/metrics"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/registry"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

// ReporterConfig holds status board configuration
type ReporterConfig struct {
	Logger         *slog.Logger
	Registry       *registry.Registry
	Out            io.Writer // nil disables rendering; sweeping still happens
	Interval       time.Duration
	GracePeriod    time.Duration
	MaxErrorLength int
}

// Reporter periodically renders the registry and sweeps finished jobs once
// their grace period has passed
type Reporter struct {
	logger         *slog.Logger
	registry       *registry.Registry
	out            io.Writer
	interval       time.Duration
	gracePeriod    time.Duration
	maxErrorLength int
	now            func() time.Time
}

// NewReporter creates a status reporter
func NewReporter(cfg ReporterConfig) *Reporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reporter{
		logger:         cfg.Logger,
		registry:       cfg.Registry,
		out:            cfg.Out,
		interval:       interval,
		gracePeriod:    cfg.GracePeriod,
		maxErrorLength: cfg.MaxErrorLength,
		now:            time.Now,
	}
}

// Run ticks until ctx is canceled
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick sweeps expired entries, refreshes the registry gauges and renders the board
func (r *Reporter) Tick() {
	if swept := r.registry.Sweep(r.gracePeriod); len(swept) > 0 {
		r.logger.Debug("Swept finished jobs from registry",
			slog.Int("count", len(swept)),
		)
	}

	counts := r.registry.Counts()
	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[status.String()] = n
	}
	statuses := domain.AllStatuses()
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = s.String()
	}
	metrics.SetRegistryJobs(byName, names)

	if r.out == nil {
		return
	}
	if err := r.Render(r.out, r.registry.Snapshot()); err != nil {
		r.logger.Warn("Failed to render status board",
			slog.String("error", err.Error()),
		)
	}
}

// Render writes one table row per entry
func (r *Reporter) Render(w io.Writer, entries []registry.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Jobs: %d\t%s\n", len(entries), r.now().Format(time.TimeOnly))
	fmt.Fprintln(tw, "JOB CODE\tUSER ID\tSTATUS\tERROR")
	for _, e := range entries {
		status := e.Status.String()
		if e.Detail != "" {
			status = e.Detail
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.ID,
			strconv.FormatInt(e.OwnerID, 10),
			status,
			message.Truncate(e.Error, r.maxErrorLength),
		)
	}
	fmt.Fprintln(tw)

	return tw.Flush()
}
