package delivery

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/message"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/probe"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

type fakeUploader struct {
	mu      sync.Mutex
	uploads []Upload
	// errs is consumed per call; a nil entry or an exhausted slice means success
	errs map[string][]error
}

func (f *fakeUploader) Upload(ctx context.Context, u Upload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if u.Progress != nil {
		u.Progress(u.Size/2, u.Size)
		u.Progress(u.Size, u.Size)
	}

	name := filepath.Base(u.Path)
	if queue := f.errs[name]; len(queue) > 0 {
		err := queue[0]
		f.errs[name] = queue[1:]
		if err != nil {
			return err
		}
	}
	f.uploads = append(f.uploads, u)
	return nil
}

type fakeProber struct {
	info *probe.Info
	err  error
}

func (f fakeProber) Probe(ctx context.Context, path string) (*probe.Info, error) {
	return f.info, f.err
}

func newTestCoordinator(up Uploader, cfg Config) *Coordinator {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Uploader = up
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ChatID == 0 {
		cfg.ChatID = -100123
	}
	c := New(cfg)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func writeFiles(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("payload of "+n), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func assertRemoved(t *testing.T, paths []string) {
	t.Helper()
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "file %s should be removed", p)
	}
}

func TestKindOf(t *testing.T) {
	tests := map[string]Kind{
		"a.mp4":  KindVideo,
		"a.MKV":  KindVideo,
		"a.jpg":  KindPhoto,
		"a.webp": KindPhoto,
		"a.mp3":  KindAudio,
		"a.pdf":  KindDocument,
		"a":      KindDocument,
	}
	for name, want := range tests {
		assert.Equal(t, want, KindOf(name), name)
	}
}

func TestDeliver_CaptionOnLastFileOnly(t *testing.T) {
	files := writeFiles(t, "job1 - 001 - a.jpg", "job1 - 002 - b.mp4", "job1 - 003 - c.pdf")
	up := &fakeUploader{}
	c := newTestCoordinator(up, Config{
		Prober:       fakeProber{info: &probe.Info{Duration: 12, Width: 1280, Height: 720}},
		CaptionLimit: 1024,
	})

	report, err := c.Deliver(context.Background(), Request{
		JobID:    "job1",
		OwnerID:  42,
		Files:    files,
		Caption:  "hello world",
		Provider: "provider2",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Delivered)
	assert.Zero(t, report.Failed)
	require.Len(t, up.uploads, 3)

	for i, u := range up.uploads {
		parsed, err := message.ParseDeliveryCaption(u.Caption)
		require.NoError(t, err)
		assert.Equal(t, i+1, parsed.Index)
		assert.Equal(t, 3, parsed.Total)
		assert.Equal(t, "job1", parsed.Code)
		assert.Equal(t, "provider2", parsed.Method)
		if i == 2 {
			assert.Equal(t, "hello world", parsed.Original)
		} else {
			assert.Empty(t, parsed.Original)
		}
	}

	assert.Equal(t, KindPhoto, up.uploads[0].Kind)
	assert.Equal(t, KindVideo, up.uploads[1].Kind)
	assert.Equal(t, 12, up.uploads[1].Duration)
	assert.Equal(t, 1280, up.uploads[1].Width)
	assert.Equal(t, KindDocument, up.uploads[2].Kind)
	assert.Equal(t, int64(-100123), up.uploads[0].ChatID)

	assertRemoved(t, files)
}

func TestDeliver_OwnerRoute(t *testing.T) {
	files := writeFiles(t, "job1 - 001 - a.mp3")
	up := &fakeUploader{}
	c := newTestCoordinator(up, Config{Route: "owner", ThreadID: 9})

	_, err := c.Deliver(context.Background(), Request{JobID: "job1", OwnerID: 42, Files: files}, nil)
	require.NoError(t, err)
	require.Len(t, up.uploads, 1)
	assert.Equal(t, int64(42), up.uploads[0].ChatID)
	assert.Zero(t, up.uploads[0].ThreadID)
}

func TestDeliver_ProbeFailureStillUploads(t *testing.T) {
	files := writeFiles(t, "job1 - 001 - a.mp4")
	up := &fakeUploader{}
	c := newTestCoordinator(up, Config{Prober: fakeProber{err: errors.New("ffprobe failed")}})

	report, err := c.Deliver(context.Background(), Request{JobID: "job1", Files: files}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Zero(t, up.uploads[0].Duration)
}

func TestDeliver_Retries(t *testing.T) {
	transient := domain.NewRetryableErrorAfter(errors.New("too many requests"), 3*time.Second)
	permanent := errors.New("bad request: chat not found")

	tests := []struct {
		name          string
		errs          []error
		wantDelivered int
		wantErr       error
	}{
		{name: "succeeds after transient", errs: []error{transient, transient}, wantDelivered: 1},
		{name: "exhausts attempts", errs: []error{transient, transient, transient}, wantErr: domain.ErrNoFilesDelivered},
		{name: "permanent not retried", errs: []error{permanent}, wantErr: domain.ErrNoFilesDelivered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := writeFiles(t, "job1 - 001 - a.mp4")
			up := &fakeUploader{errs: map[string][]error{filepath.Base(files[0]): tt.errs}}
			c := newTestCoordinator(up, Config{MaxAttempts: 3, InitialBackoff: time.Second})

			var waits []time.Duration
			c.sleep = func(ctx context.Context, d time.Duration) error {
				waits = append(waits, d)
				return nil
			}

			report, err := c.Deliver(context.Background(), Request{JobID: "job1", Files: files}, nil)
			assert.Equal(t, tt.wantDelivered, report.Delivered)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			for _, w := range waits {
				assert.GreaterOrEqual(t, w, 3*time.Second, "server supplied delay is honoured")
			}
			assertRemoved(t, files)
		})
	}

	t.Run("permanent error makes one call", func(t *testing.T) {
		files := writeFiles(t, "job1 - 001 - a.mp4")
		up := &fakeUploader{errs: map[string][]error{filepath.Base(files[0]): {permanent, permanent}}}
		c := newTestCoordinator(up, Config{MaxAttempts: 3})

		_, err := c.Deliver(context.Background(), Request{JobID: "job1", Files: files}, nil)
		require.Error(t, err)
		assert.Len(t, up.errs[filepath.Base(files[0])], 1)
	})
}

func TestDeliver_PartialFailure(t *testing.T) {
	files := writeFiles(t, "job1 - 001 - a.mp4", "job1 - 002 - b.mp4")
	up := &fakeUploader{errs: map[string][]error{filepath.Base(files[0]): {errors.New("file is too big")}}}
	c := newTestCoordinator(up, Config{})

	report, err := c.Deliver(context.Background(), Request{JobID: "job1", Files: files}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Failed)
	assert.EqualError(t, report.LastError, "file is too big")
	assertRemoved(t, files)
}

func TestDeliver_CanceledRemovesEverything(t *testing.T) {
	files := writeFiles(t, "job1 - 001 - a.mp4", "job1 - 002 - b.mp4")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	up := &fakeUploader{}
	c := newTestCoordinator(up, Config{})

	report, err := c.Deliver(ctx, Request{JobID: "job1", Files: files}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Delivered)
	assert.Empty(t, up.uploads)
	assertRemoved(t, files)
}

func TestDeliver_MissingFileCountsAsFailure(t *testing.T) {
	files := writeFiles(t, "job1 - 001 - a.mp4")
	files = append(files, filepath.Join(filepath.Dir(files[0]), "job1 - 002 - gone.mp4"))
	up := &fakeUploader{}
	c := newTestCoordinator(up, Config{})

	report, err := c.Deliver(context.Background(), Request{JobID: "job1", Files: files}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Failed)
}

func TestDeliver_ProgressBuckets(t *testing.T) {
	files := writeFiles(t, "job1 - 001 - a.mp4", "job1 - 002 - b.mp4")
	up := &fakeUploader{}
	c := newTestCoordinator(up, Config{ProgressStep: 25})

	// payloads are 29 bytes, so the halfway report lands in the 25% bucket
	var lines []string
	_, err := c.Deliver(context.Background(), Request{JobID: "job1", Files: files}, func(detail string) {
		lines = append(lines, detail)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Uploading 1/2: 0%",
		"Uploading 1/2: 25%",
		"Uploading 1/2: 100%",
		"Uploading 2/2: 0%",
		"Uploading 2/2: 25%",
		"Uploading 2/2: 100%",
	}, lines)
}

func TestProgressTracker_SkipsRepeatedBuckets(t *testing.T) {
	var lines []string
	tr := newProgressTracker(1, 1, 10, func(d string) { lines = append(lines, d) })
	report := tr.begin()

	report(1, 100)
	report(5, 100)
	report(12, 100)
	report(19, 100)
	report(8, 100)
	report(100, 100)

	assert.Equal(t, []string{"Uploading 1/1: 0%", "Uploading 1/1: 10%", "Uploading 1/1: 100%"}, lines)
}

// scriptedProgressUploader reports the given fractions per call, then fails the
// call with the matching error
type scriptedProgressUploader struct {
	calls    int
	progress [][]int64
	errs     []error
}

func (s *scriptedProgressUploader) Upload(ctx context.Context, u Upload) error {
	call := s.calls
	s.calls++
	for _, pct := range s.progress[call] {
		u.Progress(pct, 100)
	}
	return s.errs[call]
}

func TestDeliver_RetryRestartsProgress(t *testing.T) {
	files := writeFiles(t, "job1 - 001 - a.mp4")
	up := &scriptedProgressUploader{
		progress: [][]int64{{40, 90}, {10, 50, 100}},
		errs:     []error{domain.NewRetryableError(errors.New("connection reset")), nil},
	}
	c := newTestCoordinator(up, Config{ProgressStep: 10})

	var lines []string
	report, err := c.Deliver(context.Background(), Request{JobID: "job1", Files: files}, func(detail string) {
		lines = append(lines, detail)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)

	assert.Equal(t, []string{
		"Uploading 1/1: 0%",
		"Uploading 1/1: 40%",
		"Uploading 1/1: 90%",
		"Uploading 1/1: 0%",
		"Uploading 1/1: 10%",
		"Uploading 1/1: 50%",
		"Uploading 1/1: 100%",
	}, lines)
}

func TestProgressTracker_IgnoresEarlierAttempt(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	tr := newProgressTracker(1, 1, 10, func(d string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, d)
	})

	first := tr.begin()
	second := tr.begin()

	// the first attempt's body writer keeps reporting while the second runs
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(0); i <= 100; i++ {
			first(i, 100)
		}
	}()
	go func() {
		defer wg.Done()
		for i := int64(0); i <= 30; i++ {
			second(i, 100)
		}
	}()
	wg.Wait()

	assert.Equal(t, []string{
		"Uploading 1/1: 0%",
		"Uploading 1/1: 0%",
		"Uploading 1/1: 10%",
		"Uploading 1/1: 20%",
		"Uploading 1/1: 30%",
	}, lines)
}
