// Package delivery uploads acquired files to the chat side and always removes them afterwards.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/message"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/metrics"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/probe"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

// Kind selects the upload method for a file
type Kind string

const (
	KindVideo    Kind = "video"
	KindPhoto    Kind = "photo"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// photos above this size are rejected by sendPhoto
const maxPhotoSize = 10 << 20

var kindByExt = map[string]Kind{
	".mp4": KindVideo, ".mkv": KindVideo, ".webm": KindVideo, ".mov": KindVideo, ".m4v": KindVideo, ".avi": KindVideo,
	".jpg": KindPhoto, ".jpeg": KindPhoto, ".png": KindPhoto, ".webp": KindPhoto,
	".mp3": KindAudio, ".m4a": KindAudio, ".ogg": KindAudio, ".opus": KindAudio, ".flac": KindAudio, ".wav": KindAudio,
}

// KindOf classifies a file by extension
func KindOf(path string) Kind {
	if k, ok := kindByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return k
	}
	return KindDocument
}

// Upload is a single file sent to a chat
type Upload struct {
	ChatID   int64
	ThreadID int64
	Path     string
	Kind     Kind
	Caption  string
	Size     int64
	Duration int
	Width    int
	Height   int
	Progress func(sent, total int64)
}

// Uploader sends one file. Transient failures are returned as *domain.RetryableError.
type Uploader interface {
	Upload(ctx context.Context, u Upload) error
}

// Prober reads video attributes
type Prober interface {
	Probe(ctx context.Context, path string) (*probe.Info, error)
}

// ProgressFunc receives the human readable progress line of a delivery
type ProgressFunc func(detail string)

// Request describes the files of one job to deliver
type Request struct {
	JobID    string
	OwnerID  int64
	Files    []string
	Caption  string
	Provider string
}

// Report summarises a delivery
type Report struct {
	Total     int
	Delivered int
	Failed    int
	Bytes     int64
	LastError error
}

// Config holds delivery coordinator configuration
type Config struct {
	Logger            *slog.Logger
	Uploader          Uploader
	Prober            Prober
	Route             string
	ChatID            int64
	ThreadID          int64
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	UploadTimeout     time.Duration
	CaptionLimit      int
	ProgressStep      int
}

// Coordinator uploads files one by one in acquisition order
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a delivery coordinator
func New(cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ProgressStep <= 0 {
		cfg.ProgressStep = 10
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Deliver uploads every file of req. Each local file is removed once its upload
// finished or was abandoned, whatever the outcome. The error is non-nil when
// nothing was delivered or ctx ended first.
func (c *Coordinator) Deliver(ctx context.Context, req Request, progress ProgressFunc) (*Report, error) {
	report := &Report{Total: len(req.Files)}
	defer removeFiles(c.logger, req.JobID, req.Files)

	chatID, threadID := c.destination(req.OwnerID)

	for i, path := range req.Files {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("delivery canceled: %w", err)
		}

		size, err := c.deliverFile(ctx, req, i, path, chatID, threadID, progress)
		if err != nil {
			report.Failed++
			report.LastError = err
			c.logger.Error("File upload failed",
				slog.String("job_id", req.JobID),
				slog.String("file", filepath.Base(path)),
				slog.Int("index", i+1),
				slog.String("error", err.Error()),
			)
			continue
		}

		report.Delivered++
		report.Bytes += size
		metrics.AddBytesDelivered(size)
	}

	if err := ctx.Err(); err != nil && report.Delivered < report.Total {
		return report, fmt.Errorf("delivery canceled: %w", err)
	}
	if report.Delivered == 0 {
		return report, fmt.Errorf("%w: %w", domain.ErrNoFilesDelivered, report.LastError)
	}
	return report, nil
}

func (c *Coordinator) destination(ownerID int64) (int64, int64) {
	if c.cfg.Route == "owner" {
		return ownerID, 0
	}
	return c.cfg.ChatID, c.cfg.ThreadID
}

func (c *Coordinator) deliverFile(ctx context.Context, req Request, i int, path string, chatID, threadID int64, progress ProgressFunc) (int64, error) {
	defer removeFile(c.logger, req.JobID, path)

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}

	total := len(req.Files)
	up := Upload{
		ChatID:   chatID,
		ThreadID: threadID,
		Path:     path,
		Kind:     KindOf(path),
		Size:     info.Size(),
	}
	if up.Kind == KindPhoto && up.Size > maxPhotoSize {
		up.Kind = KindDocument
	}

	if up.Kind == KindVideo && c.cfg.Prober != nil {
		if pi, err := c.cfg.Prober.Probe(ctx, path); err != nil {
			c.logger.Warn("Probe failed, uploading without video attributes",
				slog.String("job_id", req.JobID),
				slog.String("file", filepath.Base(path)),
				slog.String("error", err.Error()),
			)
		} else {
			up.Duration, up.Width, up.Height = pi.Duration, pi.Width, pi.Height
		}
	}

	caption := message.DeliveryCaption{
		Index:  i + 1,
		Total:  total,
		Code:   req.JobID,
		Size:   up.Size,
		Method: req.Provider,
	}
	if i == total-1 {
		caption.Original = req.Caption
	}
	up.Caption = caption.Build(c.cfg.CaptionLimit)

	tracker := newProgressTracker(i+1, total, c.cfg.ProgressStep, progress)
	if err := c.uploadWithRetry(ctx, req.JobID, up, tracker); err != nil {
		return 0, err
	}
	return up.Size, nil
}

// uploadWithRetry retries transient failures with exponential backoff, honouring a server supplied delay
func (c *Coordinator) uploadWithRetry(ctx context.Context, jobID string, up Upload, tracker *progressTracker) error {
	var lastErr error
	delay := c.cfg.InitialBackoff

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		up.Progress = tracker.begin()
		lastErr = c.uploadOnce(ctx, up)
		if lastErr == nil {
			metrics.RecordUpload(string(up.Kind), metrics.OutcomeSuccess)
			if attempt > 1 {
				c.logger.Info("Upload succeeded after retry",
					slog.String("job_id", jobID),
					slog.Int("attempt", attempt),
				)
			}
			return nil
		}

		var retryable *domain.RetryableError
		if !errors.As(lastErr, &retryable) || ctx.Err() != nil {
			metrics.RecordUpload(string(up.Kind), metrics.OutcomeFailure)
			return lastErr
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		metrics.RecordUpload(string(up.Kind), metrics.OutcomeRetry)

		wait := delay
		if after := retryable.RetryAfter(); after > wait {
			wait = after
		}
		c.logger.Warn("Upload failed, retrying",
			slog.String("job_id", jobID),
			slog.String("file", filepath.Base(up.Path)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.MaxAttempts),
			slog.Duration("retry_in", wait),
			slog.String("error", lastErr.Error()),
		)

		if err := c.sleep(ctx, wait); err != nil {
			return fmt.Errorf("upload retry canceled: %w", err)
		}

		delay = time.Duration(float64(delay) * c.cfg.BackoffMultiplier)
		if c.cfg.MaxBackoff > 0 && delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}

	metrics.RecordUpload(string(up.Kind), metrics.OutcomeFailure)
	return fmt.Errorf("upload failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Coordinator) uploadOnce(ctx context.Context, up Upload) error {
	if c.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.UploadTimeout)
		defer cancel()
	}
	return c.cfg.Uploader.Upload(ctx, up)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func removeFile(logger *slog.Logger, jobID, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to remove delivered file",
			slog.String("job_id", jobID),
			slog.String("file", path),
			slog.String("error", err.Error()),
		)
	}
}

func removeFiles(logger *slog.Logger, jobID string, paths []string) {
	for _, p := range paths {
		removeFile(logger, jobID, p)
	}
}

// progressTracker turns byte progress into "Uploading i/N: p%" lines, emitting
// only when the percentage enters a new bucket. Each upload attempt restarts
// from 0%; reports from an earlier attempt whose body writer is still draining
// are ignored.
type progressTracker struct {
	mu           sync.Mutex
	index, total int
	step         int
	attempt      int
	last         int
	fn           ProgressFunc
}

func newProgressTracker(index, total, step int, fn ProgressFunc) *progressTracker {
	return &progressTracker{index: index, total: total, step: step, last: -1, fn: fn}
}

// begin starts a new attempt and returns its byte progress callback
func (t *progressTracker) begin() func(sent, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempt++
	t.last = -1
	t.emit(0)

	attempt := t.attempt
	return func(sent, size int64) {
		t.update(attempt, sent, size)
	}
}

func (t *progressTracker) update(attempt int, sent, size int64) {
	if size <= 0 {
		return
	}
	pct := int(math.Min(100, float64(sent)*100/float64(size)))

	t.mu.Lock()
	defer t.mu.Unlock()
	if attempt != t.attempt {
		return
	}
	t.emit(pct / t.step * t.step)
}

// emit must be called with mu held
func (t *progressTracker) emit(bucket int) {
	if t.fn == nil || bucket <= t.last {
		return
	}
	t.last = bucket
	t.fn(fmt.Sprintf("Uploading %d/%d: %d%%", t.index, t.total, bucket))
}
