package providers

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition"
)

// Ytdlp downloads through the yt-dlp binary. One instance per configured format profile.
type Ytdlp struct {
	name        string
	format      string
	mergeFormat string
	cookiesFile string
	logger      *slog.Logger
}

// NewYtdlp creates a yt-dlp provider
func NewYtdlp(name, format, mergeFormat, cookiesFile string, logger *slog.Logger) *Ytdlp {
	return &Ytdlp{
		name:        name,
		format:      format,
		mergeFormat: mergeFormat,
		cookiesFile: cookiesFile,
		logger:      logger,
	}
}

func (p *Ytdlp) Name() string {
	return p.name
}

// outputTemplate numbers entries so multi-item posts keep their order
func (p *Ytdlp) outputTemplate(req acquisition.Request) string {
	return req.FilePrefix() + "%(autonumber)03d - %(title).30s [%(id)s].%(ext)s"
}

func (p *Ytdlp) Attempt(ctx context.Context, req acquisition.Request) (*acquisition.Media, error) {
	dl := ytdlp.New().
		Output(p.outputTemplate(req)).
		NoWarnings().
		WriteDescription()

	if p.format != "" {
		dl.Format(p.format)
	}
	if p.mergeFormat != "" {
		dl.MergeOutputFormat(p.mergeFormat)
	}
	if p.cookiesFile != "" {
		if _, err := os.Stat(p.cookiesFile); err == nil {
			dl.Cookies(p.cookiesFile)
		} else {
			p.logger.Debug("Cookies file not found, continuing without",
				slog.String("provider", p.name),
				slog.String("path", p.cookiesFile),
			)
		}
	}
	if req.Progress != nil {
		dl.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
			req.ReportProgress(int64(update.DownloadedBytes), int64(update.TotalBytes))
		})
	}

	result, err := dl.Run(ctx, req.URL)
	if err != nil {
		stderr := ""
		if result != nil {
			stderr = result.Stderr
		}
		return nil, acquisition.Fail(p.name, failureReason(stderr, err), err)
	}

	caption := readDescription(req)

	files, err := acquisition.JobFiles(req.Dir, req.JobID)
	if err != nil {
		return nil, acquisition.Fail(p.name, "could not list downloaded files", err)
	}
	if len(files) == 0 {
		return nil, acquisition.Fail(p.name, "yt-dlp produced no files", nil)
	}

	return &acquisition.Media{Files: files, Caption: caption}, nil
}

// readDescription returns the first description sidecar and removes all of them
func readDescription(req acquisition.Request) string {
	entries, err := os.ReadDir(req.Dir)
	if err != nil {
		return ""
	}

	prefix := filepath.Base(req.FilePrefix())
	var matches []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".description") {
			matches = append(matches, filepath.Join(req.Dir, e.Name()))
		}
	}
	sort.Strings(matches)

	caption := ""
	for i, m := range matches {
		if i == 0 {
			if data, err := os.ReadFile(m); err == nil {
				caption = strings.TrimSpace(string(data))
			}
		}
		_ = os.Remove(m)
	}
	return caption
}

// failureReason picks the last "ERROR:" line yt-dlp printed, falling back to err
func failureReason(stderr string, err error) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	if err != nil {
		return err.Error()
	}
	return "unknown error"
}
