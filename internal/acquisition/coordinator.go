package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/metrics"
)

// GenericCategory is used for URLs matching no configured category
const GenericCategory = "generic"

var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrDuplicateProvider = errors.New("duplicate provider name")
	ErrNoProviders       = errors.New("no providers configured")
)

// Category routes URLs whose host matches one of Hosts to an ordered provider chain
type Category struct {
	Name      string
	Hosts     []string
	Providers []string
}

// CoordinatorConfig holds coordinator configuration
type CoordinatorConfig struct {
	Logger         *slog.Logger
	Providers      []Provider
	Categories     []Category
	Generic        []string
	Dir            string
	AttemptTimeout time.Duration
}

// Coordinator picks the provider chain for a URL and runs it
type Coordinator struct {
	logger         *slog.Logger
	providers      map[string]Provider
	categories     []Category
	generic        []string
	dir            string
	attemptTimeout time.Duration
}

// NewCoordinator validates the chains against the registered providers
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	providers := make(map[string]Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if _, ok := providers[p.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
		}
		providers[p.Name()] = p
	}

	if len(cfg.Generic) == 0 {
		return nil, fmt.Errorf("%w: generic chain is empty", ErrNoProviders)
	}

	chains := map[string][]string{GenericCategory: cfg.Generic}
	categories := make([]Category, 0, len(cfg.Categories))
	for _, cat := range cfg.Categories {
		if cat.Name == GenericCategory {
			return nil, fmt.Errorf("category name %q is reserved", GenericCategory)
		}
		hosts := make([]string, 0, len(cat.Hosts))
		for _, h := range cat.Hosts {
			hosts = append(hosts, normalizeHost(h))
		}
		cat.Hosts = hosts
		categories = append(categories, cat)
		chains[cat.Name] = cat.Providers
	}

	for name, chain := range chains {
		for _, p := range chain {
			if _, ok := providers[p]; !ok {
				return nil, fmt.Errorf("%w: %q in category %q", ErrUnknownProvider, p, name)
			}
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		logger:         logger,
		providers:      providers,
		categories:     categories,
		generic:        cfg.Generic,
		dir:            cfg.Dir,
		attemptTimeout: cfg.AttemptTimeout,
	}, nil
}

// Classify returns the category name for a URL. The longest matching host pattern
// wins and ties go to the lexically smaller category, so the configured order never matters.
func (c *Coordinator) Classify(rawURL string) string {
	host := hostOf(rawURL)
	lower := strings.ToLower(rawURL)

	best, bestLen := GenericCategory, 0
	for _, cat := range c.categories {
		for _, pattern := range cat.Hosts {
			if !hostMatches(host, lower, pattern) {
				continue
			}
			if len(pattern) > bestLen || (len(pattern) == bestLen && cat.Name < best) {
				best, bestLen = cat.Name, len(pattern)
			}
		}
	}
	return best
}

// Chain returns the providers tried for a URL in order, generic fallthrough included
func (c *Coordinator) Chain(rawURL string) []string {
	category := c.Classify(rawURL)

	var chain []string
	seen := make(map[string]bool)
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				chain = append(chain, n)
			}
		}
	}

	if category != GenericCategory {
		for _, cat := range c.categories {
			if cat.Name == category {
				add(cat.Providers)
				break
			}
		}
	}
	add(c.generic)
	return chain
}

// Option customises a single Acquire call
type Option func(*Request)

// WithProgress attaches a download progress sink
func WithProgress(fn ProgressFunc) Option {
	return func(r *Request) {
		r.Progress = fn
	}
}

// Acquire runs the provider chain for url until one succeeds
func (c *Coordinator) Acquire(ctx context.Context, rawURL, jobID string, opts ...Option) (*Media, error) {
	req := Request{URL: rawURL, JobID: jobID, Dir: c.dir}
	for _, opt := range opts {
		opt(&req)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	category := c.Classify(rawURL)
	chain := c.Chain(rawURL)

	c.logger.Info("Acquiring media",
		slog.String("job_id", jobID),
		slog.String("category", category),
		slog.String("chain", strings.Join(chain, ",")),
	)

	var attempts error
	var lastReason string
	for _, name := range chain {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acquisition canceled: %w", err)
		}

		media, err := c.attempt(ctx, c.providers[name], req)
		if err == nil {
			c.logger.Info("Provider succeeded",
				slog.String("job_id", jobID),
				slog.String("provider", name),
				slog.Int("files", len(media.Files)),
			)
			return media, nil
		}

		lastReason = ReasonOf(err)
		attempts = multierror.Append(attempts, multierror.Prefix(err, fmt.Sprintf("[%v]", name)))
		c.logger.Warn("Provider failed",
			slog.String("job_id", jobID),
			slog.String("provider", name),
			slog.String("reason", lastReason),
		)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquisition canceled: %w", err)
	}

	c.logger.Error("All providers failed",
		slog.String("job_id", jobID),
		slog.String("error", attempts.Error()),
	)
	return nil, &ExhaustedError{URL: rawURL, Reason: lastReason, Attempts: attempts}
}

func (c *Coordinator) attempt(ctx context.Context, p Provider, req Request) (media *Media, err error) {
	attemptCtx := ctx
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
			if rmErr := RemoveJobFiles(req.Dir, req.JobID); rmErr != nil {
				c.logger.Warn("Failed to remove partial files",
					slog.String("job_id", req.JobID),
					slog.String("error", rmErr.Error()),
				)
			}
		}
		metrics.RecordProviderAttempt(p.Name(), outcome, time.Since(start).Seconds())
	}()

	media, err = p.Attempt(attemptCtx, req)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, Fail(p.Name(), fmt.Sprintf("timed out after %s", c.attemptTimeout), err)
		}
		return nil, err
	}

	if err := checkMedia(media); err != nil {
		return nil, Fail(p.Name(), err.Error(), nil)
	}
	media.Provider = p.Name()
	return media, nil
}

func checkMedia(media *Media) error {
	if media == nil || len(media.Files) == 0 {
		return errors.New("no files produced")
	}
	for _, f := range media.Files {
		info, err := os.Stat(f)
		if err != nil {
			return fmt.Errorf("missing output file %s", f)
		}
		if info.Size() == 0 {
			return fmt.Errorf("empty output file %s", f)
		}
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return normalizeHost(u.Hostname())
}

func normalizeHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "www.")
}

func hostMatches(host, lowerURL, pattern string) bool {
	if pattern == "" {
		return false
	}
	if host != "" {
		return host == pattern || strings.HasSuffix(host, "."+pattern)
	}
	return strings.Contains(lowerURL, pattern)
}

// Categories returns the configured category names in sorted order
func (c *Coordinator) Categories() []string {
	names := make([]string, 0, len(c.categories)+1)
	for _, cat := range c.categories {
		names = append(names, cat.Name)
	}
	names = append(names, GenericCategory)
	sort.Strings(names)
	return names
}
