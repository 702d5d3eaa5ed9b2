package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/acquisition"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/dedup"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/delivery"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/message"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/registry"
	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

const waitFor = 5 * time.Second

// fakeAck records broker acknowledgements
type fakeAck struct {
	mu       sync.Mutex
	acked    []uint64
	dropped  []uint64
	requeued []uint64
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued = append(a.requeued, tag)
	} else {
		a.dropped = append(a.dropped, tag)
	}
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAck) settled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked) + len(a.dropped) + len(a.requeued)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
	prefetch   int
}

func (s *fakeSource) Qos(prefetchCount int) error {
	s.prefetch = prefetchCount
	return nil
}

func (s *fakeSource) Consume(string) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

type fakeLedger struct {
	mu        sync.Mutex
	created   []string
	statuses  map[string][]domain.JobStatus
	results   map[string]domain.JobResult
	statusErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		statuses: make(map[string][]domain.JobStatus),
		results:  make(map[string]domain.JobResult),
	}
}

func (l *fakeLedger) CreateJob(_ context.Context, job domain.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, job.ID)
	return nil
}

func (l *fakeLedger) UpdateJobStatus(_ context.Context, jobID string, status domain.JobStatus, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[jobID] = append(l.statuses[jobID], status)
	return nil
}

func (l *fakeLedger) FinishJob(_ context.Context, jobID string, result domain.JobResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[jobID] = result
	return nil
}

func (l *fakeLedger) UpdateJobHeartbeat(context.Context, string) error {
	return nil
}

func (l *fakeLedger) JobStatus(_ context.Context, jobID string) (domain.JobStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.statusErr != nil {
		return "", l.statusErr
	}
	if r, ok := l.results[jobID]; ok {
		return r.Status, nil
	}
	if st := l.statuses[jobID]; len(st) > 0 {
		return st[len(st)-1], nil
	}
	return "", domain.ErrJobNotFound
}

func (l *fakeLedger) result(jobID string) (domain.JobResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.results[jobID]
	return r, ok
}

type scriptedProvider struct {
	name   string
	reason string
	files  int
	block  bool
	calls  atomic.Int32
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Attempt(ctx context.Context, req acquisition.Request) (*acquisition.Media, error) {
	p.calls.Add(1)

	if p.block {
		<-ctx.Done()
		return nil, acquisition.Fail(p.name, "canceled", ctx.Err())
	}
	if p.reason != "" {
		return nil, acquisition.Fail(p.name, p.reason, nil)
	}

	n := p.files
	if n == 0 {
		n = 1
	}
	files := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		path := fmt.Sprintf("%s%03d - clip.mp4", req.FilePrefix(), i)
		if err := os.WriteFile(path, []byte("video bytes"), 0o644); err != nil {
			return nil, acquisition.Fail(p.name, "write failed", err)
		}
		files = append(files, path)
	}
	req.ReportProgress(50, 100)
	req.ReportProgress(100, 100)
	return &acquisition.Media{Files: files, Caption: "caption ✨"}, nil
}

type captureUploader struct {
	mu       sync.Mutex
	uploads  []delivery.Upload
	failName string
}

func (u *captureUploader) Upload(_ context.Context, up delivery.Upload) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failName != "" && strings.Contains(filepath.Base(up.Path), u.failName) {
		return errors.New("Bad Request: file is too big")
	}
	u.uploads = append(u.uploads, up)
	return nil
}

func (u *captureUploader) list() []delivery.Upload {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]delivery.Upload(nil), u.uploads...)
}

type harness struct {
	worker   *Worker
	source   *fakeSource
	ack      *fakeAck
	ledger   *fakeLedger
	registry *registry.Registry
	dedup    *dedup.MemorySet
	uploader *captureUploader
	dir      string
	tag      uint64
}

func newHarness(t *testing.T, providers []acquisition.Provider, generic []string) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	coord, err := acquisition.NewCoordinator(acquisition.CoordinatorConfig{
		Logger:    logger,
		Providers: providers,
		Generic:   generic,
		Dir:       dir,
	})
	require.NoError(t, err)

	h := &harness{
		source:   &fakeSource{deliveries: make(chan amqp.Delivery, 8)},
		ack:      &fakeAck{},
		ledger:   newFakeLedger(),
		registry: registry.New(),
		dedup:    dedup.NewMemorySet(100),
		uploader: &captureUploader{},
		dir:      dir,
	}

	h.worker = NewWorker(&Config{
		Logger:   logger,
		Source:   h.source,
		Ledger:   h.ledger,
		Registry: h.registry,
		Dedup:    h.dedup,
		Acquirer: coord,
		Deliverer: delivery.New(delivery.Config{
			Logger:       logger,
			Uploader:     h.uploader,
			ChatID:       -100123,
			MaxAttempts:  1,
			CaptionLimit: 1024,
		}),
		Concurrency:    2,
		QueueSize:      2,
		JobTimeout:     time.Minute,
		MaxErrorLength: 50,
	})
	return h
}

func (h *harness) send(body string) uint64 {
	return h.deliver(body, false)
}

func (h *harness) deliver(body string, redelivered bool) uint64 {
	h.tag++
	h.source.deliveries <- amqp.Delivery{
		Acknowledger: h.ack,
		DeliveryTag:  h.tag,
		Redelivered:  redelivered,
		Body:         []byte(body),
	}
	return h.tag
}

// start runs the worker and returns a function that stops it and yields Start's error
func (h *harness) start(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- h.worker.Start(ctx)
	}()

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-errChan:
			return err
		case <-time.After(waitFor):
			t.Fatal("worker did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (h *harness) waitTerminal(t *testing.T, code string) registry.Entry {
	t.Helper()
	var entry registry.Entry
	require.Eventually(t, func() bool {
		e, ok := h.registry.Get(code)
		entry = e
		return ok && e.Status.IsTerminal()
	}, waitFor, 10*time.Millisecond)

	// the message is settled right after the terminal transition
	require.Eventually(t, func() bool {
		_, ok := h.ledger.result(code)
		return ok
	}, waitFor, 10*time.Millisecond)
	return entry
}

func jobText(code string) string {
	return message.FormatJobRequest(domain.JobRequest{
		URL:     "https://example.com/v/" + code,
		Code:    code,
		OwnerID: 42,
	})
}

func TestWorker_FallsBackToNextProvider(t *testing.T) {
	p1 := &scriptedProvider{name: "provider1", reason: "rate limited"}
	p2 := &scriptedProvider{name: "provider2"}
	h := newHarness(t, []acquisition.Provider{p1, p2}, []string{"provider1", "provider2"})
	stop := h.start(t)

	tag := h.send(jobText("abc12345"))
	entry := h.waitTerminal(t, "abc12345")

	assert.Equal(t, domain.JobStatusCompleted, entry.Status)
	assert.Equal(t, "Completed", entry.Detail)
	assert.Equal(t, "provider2", entry.Provider)
	assert.Equal(t, int32(1), p1.calls.Load())
	assert.Equal(t, int32(1), p2.calls.Load())

	uploads := h.uploader.list()
	require.Len(t, uploads, 1)
	caption, err := message.ParseDeliveryCaption(uploads[0].Caption)
	require.NoError(t, err)
	assert.Equal(t, "abc12345", caption.Code)
	assert.Equal(t, "provider2", caption.Method)
	assert.Equal(t, "caption ✨", caption.Original)
	assert.Equal(t, int64(-100123), uploads[0].ChatID)

	result, _ := h.ledger.result("abc12345")
	assert.Equal(t, domain.JobStatusCompleted, result.Status)
	assert.Equal(t, 1, result.FilesDelivered)

	require.NoError(t, stop())
	assert.Equal(t, []uint64{tag}, h.ack.acked)
	assert.Equal(t, 4, h.source.prefetch)

	files, err := acquisition.JobFiles(h.dir, "abc12345")
	require.NoError(t, err)
	assert.Empty(t, files, "delivered files are removed")

	assert.Equal(t,
		[]domain.JobStatus{domain.JobStatusDownloading, domain.JobStatusProcessing, domain.JobStatusUploading},
		h.ledger.statuses["abc12345"],
	)
}

func TestWorker_AllProvidersFail(t *testing.T) {
	long := "ERROR: [generic] Unsupported URL: " + strings.Repeat("x", 80)
	p1 := &scriptedProvider{name: "provider1", reason: "rate limited"}
	p2 := &scriptedProvider{name: "provider2", reason: long}
	h := newHarness(t, []acquisition.Provider{p1, p2}, []string{"provider1", "provider2"})
	stop := h.start(t)

	tag := h.send(jobText("fail0001"))
	entry := h.waitTerminal(t, "fail0001")

	assert.Equal(t, domain.JobStatusFailed, entry.Status)
	assert.Equal(t, message.Truncate(long, 50), entry.Error)
	assert.Len(t, []rune(entry.Error), 50)
	assert.Empty(t, h.uploader.list())

	result, _ := h.ledger.result("fail0001")
	assert.Equal(t, long, result.Error, "the ledger keeps the full reason")

	require.NoError(t, stop())
	assert.Equal(t, []uint64{tag}, h.ack.acked, "failed jobs are not redelivered")
}

func TestWorker_MalformedMessageIsDropped(t *testing.T) {
	p := &scriptedProvider{name: "provider1"}
	h := newHarness(t, []acquisition.Provider{p}, []string{"provider1"})
	stop := h.start(t)

	tag := h.send("URL: https://example.com/v/1\nUSER_ID: 42")
	require.Eventually(t, func() bool { return h.ack.settled() == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, []uint64{tag}, h.ack.dropped)
	assert.Zero(t, h.registry.Len())
	assert.Empty(t, h.ledger.created)
	assert.Zero(t, p.calls.Load())
}

func TestWorker_DuplicateCodeRunsOnce(t *testing.T) {
	p := &scriptedProvider{name: "provider1"}
	h := newHarness(t, []acquisition.Provider{p}, []string{"provider1"})
	stop := h.start(t)

	first := h.send(jobText("dup00001"))
	second := h.send(jobText("dup00001"))

	h.waitTerminal(t, "dup00001")
	require.Eventually(t, func() bool { return h.ack.settled() == 2 }, waitFor, 10*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, int32(1), p.calls.Load())
	assert.ElementsMatch(t, []uint64{first, second}, h.ack.acked)
	assert.Equal(t, 1, h.registry.Len())
	assert.Len(t, h.uploader.list(), 1)
}

func TestWorker_RedeliveryAfterCrash(t *testing.T) {
	tests := []struct {
		name        string
		redelivered bool
		seed        func(l *fakeLedger)
		wantRun     bool
		wantRequeue bool
	}{
		{
			name:        "unfinished job resumes",
			redelivered: true,
			seed: func(l *fakeLedger) {
				l.statuses["crash001"] = []domain.JobStatus{domain.JobStatusDownloading}
			},
			wantRun: true,
		},
		{
			name:        "job missing from ledger resumes",
			redelivered: true,
			seed:        func(*fakeLedger) {},
			wantRun:     true,
		},
		{
			name:        "finished job stays skipped",
			redelivered: true,
			seed: func(l *fakeLedger) {
				l.results["crash001"] = domain.JobResult{Status: domain.JobStatusCompleted}
			},
		},
		{
			name:        "ledger unavailable requeues",
			redelivered: true,
			seed: func(l *fakeLedger) {
				l.statusErr = errors.New("connection refused")
			},
			wantRequeue: true,
		},
		{
			name: "fresh duplicate stays skipped",
			seed: func(l *fakeLedger) {
				l.statuses["crash001"] = []domain.JobStatus{domain.JobStatusDownloading}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// the id survived the restart in the persistent set
			path := filepath.Join(t.TempDir(), "dedup.db")
			before, err := dedup.NewBoltSet(path, time.Hour)
			require.NoError(t, err)
			added, err := before.Add(context.Background(), "crash001")
			require.NoError(t, err)
			require.True(t, added)
			require.NoError(t, before.Close())

			set, err := dedup.NewBoltSet(path, time.Hour)
			require.NoError(t, err)
			t.Cleanup(func() { _ = set.Close() })

			p := &scriptedProvider{name: "provider1"}
			h := newHarness(t, []acquisition.Provider{p}, []string{"provider1"})
			h.worker.dedup = set
			tt.seed(h.ledger)
			stop := h.start(t)

			tag := h.deliver(jobText("crash001"), tt.redelivered)

			if tt.wantRun {
				entry := h.waitTerminal(t, "crash001")
				assert.Equal(t, domain.JobStatusCompleted, entry.Status)
			}
			require.Eventually(t, func() bool { return h.ack.settled() == 1 }, waitFor, 10*time.Millisecond)
			require.NoError(t, stop())

			switch {
			case tt.wantRun:
				assert.Equal(t, int32(1), p.calls.Load())
				assert.Equal(t, []uint64{tag}, h.ack.acked)
			case tt.wantRequeue:
				assert.Zero(t, p.calls.Load())
				assert.Equal(t, []uint64{tag}, h.ack.requeued)
				assert.Zero(t, h.registry.Len())
			default:
				assert.Zero(t, p.calls.Load())
				assert.Equal(t, []uint64{tag}, h.ack.acked)
				assert.Zero(t, h.registry.Len())
			}
		})
	}
}

func TestWorker_PartialDeliveryCompletes(t *testing.T) {
	p := &scriptedProvider{name: "provider1", files: 2}
	h := newHarness(t, []acquisition.Provider{p}, []string{"provider1"})
	h.uploader.failName = "002 - "
	h.start(t)

	h.send(jobText("part0001"))
	entry := h.waitTerminal(t, "part0001")

	assert.Equal(t, domain.JobStatusCompleted, entry.Status)
	assert.Equal(t, "Completed (1/2 delivered)", entry.Detail)

	result, _ := h.ledger.result("part0001")
	assert.Equal(t, 2, result.FilesTotal)
	assert.Equal(t, 1, result.FilesDelivered)
}

func TestWorker_NothingDeliveredFails(t *testing.T) {
	p := &scriptedProvider{name: "provider1"}
	h := newHarness(t, []acquisition.Provider{p}, []string{"provider1"})
	h.uploader.failName = "clip"
	h.start(t)

	h.send(jobText("nodel001"))
	entry := h.waitTerminal(t, "nodel001")

	assert.Equal(t, domain.JobStatusFailed, entry.Status)
	assert.Equal(t, "Bad Request: file is too big", entry.Error)
}

func TestWorker_ShutdownRequeuesRunningJob(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := &scriptedProvider{name: "provider1", block: true}
	h := newHarness(t, []acquisition.Provider{p}, []string{"provider1"})
	stop := h.start(t)

	tag := h.send(jobText("stop0001"))
	require.Eventually(t, func() bool {
		e, ok := h.registry.Get("stop0001")
		return ok && e.Status == domain.JobStatusDownloading
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, stop())

	assert.Equal(t, []uint64{tag}, h.ack.requeued)
	assert.Empty(t, h.ack.acked)
	assert.Zero(t, h.registry.Len())

	added, err := h.dedup.Add(context.Background(), "stop0001")
	require.NoError(t, err)
	assert.True(t, added, "the id is released for the redelivery")
}

func TestWorker_SourceClosed(t *testing.T) {
	p := &scriptedProvider{name: "provider1"}
	h := newHarness(t, []acquisition.Provider{p}, []string{"provider1"})

	close(h.source.deliveries)
	err := h.worker.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrSourceClosed)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "exhausted chain",
			err:  &acquisition.ExhaustedError{URL: "u", Reason: "login required"},
			want: "login required",
		},
		{
			name: "job deadline",
			err:  fmt.Errorf("acquisition canceled: %w", context.DeadlineExceeded),
			want: "job timed out",
		},
		{
			name: "other",
			err:  errors.New("failed to create download directory"),
			want: "failed to create download directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failureReason(tt.err))
		})
	}
}

func TestPercentTracker(t *testing.T) {
	var got []int
	tr := newPercentTracker(25, func(pct int) { got = append(got, pct) })

	tr.update(10, 0)
	tr.update(10, 100)
	tr.update(30, 100)
	tr.update(40, 100)
	tr.update(100, 100)
	// a fallback provider starts over
	tr.update(0, 100)
	tr.update(60, 100)

	assert.Equal(t, []int{0, 25, 100, 0, 50}, got)
}
