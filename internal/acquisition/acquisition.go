// Package acquisition resolves a source URL to local media files by trying an
// ordered chain of providers.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// FileSeparator separates the job id from the rest of a downloaded file name.
// Job ids never contain spaces, so "<id> - " cannot be a prefix of another job's files.
const FileSeparator = " - "

// ProgressFunc receives byte progress of a running download. total is 0 when unknown.
type ProgressFunc func(done, total int64)

// Request is the input of a single provider attempt
type Request struct {
	URL      string
	JobID    string
	Dir      string
	Progress ProgressFunc
}

// FilePrefix returns the path prefix every file of this request must start with
func (r Request) FilePrefix() string {
	return JobFilePrefix(r.Dir, r.JobID)
}

// ReportProgress forwards progress when a sink is attached
func (r Request) ReportProgress(done, total int64) {
	if r.Progress != nil {
		r.Progress(done, total)
	}
}

// Media is the result of a successful acquisition. The caller owns Files.
type Media struct {
	Files    []string
	Caption  string
	Provider string
}

// Provider fetches media for a URL. A failed attempt must not leave files behind.
type Provider interface {
	Name() string
	Attempt(ctx context.Context, req Request) (*Media, error)
}

// ProviderError is a failed provider attempt with a short human readable reason
type ProviderError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Reason {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Fail builds a ProviderError
func Fail(provider, reason string, err error) error {
	return &ProviderError{Provider: provider, Reason: reason, Err: err}
}

// ReasonOf extracts the reason of a provider failure
func ReasonOf(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// ExhaustedError is returned when every provider for a URL failed
type ExhaustedError struct {
	URL      string
	Reason   string
	Attempts error
}

func (e *ExhaustedError) Error() string {
	return "all providers failed: " + e.Reason
}

func (e *ExhaustedError) Unwrap() error {
	return e.Attempts
}

// JobFilePrefix is the path prefix of every file downloaded for jobID into dir
func JobFilePrefix(dir, jobID string) string {
	return filepath.Join(dir, jobID+FileSeparator)
}

// JobFiles lists finished files of a job in name order, skipping partial downloads and sidecars
func JobFiles(dir, jobID string) ([]string, error) {
	matches, err := filepath.Glob(escapeGlob(JobFilePrefix(dir, jobID)) + "*")
	if err != nil {
		return nil, fmt.Errorf("failed to list job files: %w", err)
	}

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		if isSidecar(m) {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// RemoveJobFiles deletes everything in dir carrying the job prefix, sidecars included
func RemoveJobFiles(dir, jobID string) error {
	matches, err := filepath.Glob(escapeGlob(JobFilePrefix(dir, jobID)) + "*")
	if err != nil {
		return fmt.Errorf("failed to list job files: %w", err)
	}

	var result *multierror.Error
	for _, m := range matches {
		if err := removePath(m); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

var removePath = os.RemoveAll

var sidecarSuffixes = []string{".part", ".ytdl", ".temp", ".tmp", ".json", ".description"}

func isSidecar(path string) bool {
	lower := strings.ToLower(path)
	for _, s := range sidecarSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
