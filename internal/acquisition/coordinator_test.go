package acquisition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder keeps the order in which providers were invoked
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeProvider struct {
	name    string
	rec     *recorder
	reason  string // empty means success
	files   int
	partial bool // write a file before failing
	block   bool // wait for ctx to finish
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Attempt(ctx context.Context, req Request) (*Media, error) {
	p.rec.add(p.name)

	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.partial {
		_ = os.WriteFile(req.FilePrefix()+"partial.mp4", []byte("half"), 0o644)
	}
	if p.reason != "" {
		return nil, Fail(p.name, p.reason, nil)
	}

	media := &Media{Caption: "caption from " + p.name}
	for i := 0; i < p.files; i++ {
		path := req.FilePrefix() + string(rune('a'+i)) + ".mp4"
		if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
			return nil, err
		}
		media.Files = append(media.Files, path)
	}
	return media, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, providers []Provider, categories []Category, generic []string) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorConfig{
		Logger:         discardLogger(),
		Providers:      providers,
		Categories:     categories,
		Generic:        generic,
		Dir:            t.TempDir(),
		AttemptTimeout: time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestCoordinator_Classify(t *testing.T) {
	rec := &recorder{}
	providers := []Provider{&fakeProvider{name: "p1", rec: rec}}

	categories := []Category{
		{Name: "youtube", Hosts: []string{"youtube.com", "youtu.be"}, Providers: []string{"p1"}},
		{Name: "instagram", Hosts: []string{"instagram.com"}, Providers: []string{"p1"}},
		{Name: "music", Hosts: []string{"music.youtube.com"}, Providers: []string{"p1"}},
	}

	tests := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=abc", "youtube"},
		{"https://youtu.be/abc", "youtube"},
		{"https://m.youtube.com/watch?v=abc", "youtube"},
		{"https://WWW.INSTAGRAM.COM/p/xyz/", "instagram"},
		{"https://music.youtube.com/watch?v=abc", "music"},
		{"https://notyoutube.com/video", GenericCategory},
		{"https://example.com/instagram.com", GenericCategory},
		{"not a url with instagram.com inside", "instagram"},
		{"", GenericCategory},
	}

	c := newTestCoordinator(t, providers, categories, []string{"p1"})

	reversed := make([]Category, len(categories))
	for i := range categories {
		reversed[len(categories)-1-i] = categories[i]
	}
	c2 := newTestCoordinator(t, providers, reversed, []string{"p1"})

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.url))
			assert.Equal(t, tt.want, c2.Classify(tt.url), "classification must not depend on category order")
		})
	}
}

func TestCoordinator_FirstSuccessWins(t *testing.T) {
	rec := &recorder{}
	providers := []Provider{
		&fakeProvider{name: "p1", rec: rec, reason: "rate limited"},
		&fakeProvider{name: "p2", rec: rec, files: 2},
		&fakeProvider{name: "p3", rec: rec, files: 1},
	}
	c := newTestCoordinator(t, providers, nil, []string{"p1", "p2", "p3"})

	media, err := c.Acquire(context.Background(), "https://example.com/v", "job1")
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, rec.list())
	assert.Equal(t, "p2", media.Provider)
	assert.Equal(t, "caption from p2", media.Caption)
	require.Len(t, media.Files, 2)
	for _, f := range media.Files {
		assert.FileExists(t, f)
	}
}

func TestCoordinator_FallsThroughToGeneric(t *testing.T) {
	rec := &recorder{}
	providers := []Provider{
		&fakeProvider{name: "insta", rec: rec, reason: "login required"},
		&fakeProvider{name: "ytdlp", rec: rec, reason: "unsupported"},
		&fakeProvider{name: "cobalt", rec: rec, files: 1},
	}
	categories := []Category{
		{Name: "instagram", Hosts: []string{"instagram.com"}, Providers: []string{"insta", "ytdlp"}},
	}
	c := newTestCoordinator(t, providers, categories, []string{"ytdlp", "cobalt"})

	assert.Equal(t, []string{"insta", "ytdlp", "cobalt"}, c.Chain("https://instagram.com/p/1"))

	media, err := c.Acquire(context.Background(), "https://instagram.com/p/1", "job1")
	require.NoError(t, err)

	assert.Equal(t, []string{"insta", "ytdlp", "cobalt"}, rec.list(), "ytdlp must not be retried in the generic chain")
	assert.Equal(t, "cobalt", media.Provider)
}

func TestCoordinator_AllFail(t *testing.T) {
	rec := &recorder{}
	providers := []Provider{
		&fakeProvider{name: "p1", rec: rec, reason: "rate limited", partial: true},
		&fakeProvider{name: "p2", rec: rec, reason: "video unavailable", partial: true},
	}
	c := newTestCoordinator(t, providers, nil, []string{"p1", "p2"})

	media, err := c.Acquire(context.Background(), "https://example.com/v", "job1")
	require.Error(t, err)
	assert.Nil(t, media)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "video unavailable", exhausted.Reason)
	assert.Contains(t, exhausted.Attempts.Error(), "[p1]")
	assert.Contains(t, exhausted.Attempts.Error(), "[p2]")

	files, err := JobFiles(c.dir, "job1")
	require.NoError(t, err)
	assert.Empty(t, files, "failed attempts must not leave files behind")
}

func TestCoordinator_EmptyResultIsFailure(t *testing.T) {
	rec := &recorder{}
	providers := []Provider{
		&fakeProvider{name: "empty", rec: rec},
		&fakeProvider{name: "good", rec: rec, files: 1},
	}
	c := newTestCoordinator(t, providers, nil, []string{"empty", "good"})

	media, err := c.Acquire(context.Background(), "https://example.com/v", "job1")
	require.NoError(t, err)
	assert.Equal(t, "good", media.Provider)
}

func TestCoordinator_AttemptTimeout(t *testing.T) {
	rec := &recorder{}
	providers := []Provider{
		&fakeProvider{name: "slow", rec: rec, block: true},
		&fakeProvider{name: "fast", rec: rec, files: 1},
	}
	c, err := NewCoordinator(CoordinatorConfig{
		Logger:         discardLogger(),
		Providers:      providers,
		Generic:        []string{"slow", "fast"},
		Dir:            t.TempDir(),
		AttemptTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	media, err := c.Acquire(context.Background(), "https://example.com/v", "job1")
	require.NoError(t, err)
	assert.Equal(t, "fast", media.Provider)
}

func TestCoordinator_Canceled(t *testing.T) {
	rec := &recorder{}
	providers := []Provider{
		&fakeProvider{name: "p1", rec: rec, files: 1},
	}
	c := newTestCoordinator(t, providers, nil, []string{"p1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Acquire(ctx, "https://example.com/v", "job1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.list())
}

func TestNewCoordinator_Validation(t *testing.T) {
	rec := &recorder{}
	p1 := &fakeProvider{name: "p1", rec: rec}

	_, err := NewCoordinator(CoordinatorConfig{Providers: []Provider{p1}, Generic: []string{"missing"}})
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = NewCoordinator(CoordinatorConfig{Providers: []Provider{p1, p1}, Generic: []string{"p1"}})
	require.ErrorIs(t, err, ErrDuplicateProvider)

	_, err = NewCoordinator(CoordinatorConfig{Providers: []Provider{p1}})
	require.ErrorIs(t, err, ErrNoProviders)

	_, err = NewCoordinator(CoordinatorConfig{
		Providers:  []Provider{p1},
		Generic:    []string{"p1"},
		Categories: []Category{{Name: GenericCategory, Providers: []string{"p1"}}},
	})
	require.Error(t, err)
}

func TestJobFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	write("ab - 002 - second.mp4")
	write("ab - 001 - first.mp4")
	write("ab - 001 - first.mp4.part")
	write("ab - 001 - first.description")
	write("ab-x - 001 - other job.mp4")
	write("abc - 001 - other job.mp4")

	files, err := JobFiles(dir, "ab")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "ab - 001 - first.mp4"),
		filepath.Join(dir, "ab - 002 - second.mp4"),
	}, files)

	require.NoError(t, RemoveJobFiles(dir, "ab"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRemoveJobFiles_CollectsFailures(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ab - 001 - a.mp4", "ab - 002 - b.mp4", "ab - 003 - c.mp4"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	removePath = func(path string) error {
		if filepath.Base(path) != "ab - 002 - b.mp4" {
			return os.RemoveAll(path)
		}
		return &os.PathError{Op: "unlinkat", Path: path, Err: errors.New("device busy")}
	}
	t.Cleanup(func() { removePath = os.RemoveAll })

	err := RemoveJobFiles(dir, "ab")
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 1)
	assert.Contains(t, err.Error(), "device busy")

	files, err := JobFiles(dir, "ab")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "ab - 002 - b.mp4")}, files, "other files are still removed")
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, "rate limited", ReasonOf(Fail("p", "rate limited", errors.New("http 429"))))
	assert.Equal(t, "plain", ReasonOf(errors.New("plain")))
	assert.Equal(t, "", ReasonOf(nil))
}
