// Package registry holds the in-memory state of every job this worker knows about.
// Each job is written by exactly one orchestrator; readers get snapshot copies.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mehrshadmadani/telegram-downloader-bot/internal/worker/domain"
)

// ErrJobFinished is returned when a transition is attempted on a terminal job
var ErrJobFinished = errors.New("job already finished")

// Entry is the visible state of one job
type Entry struct {
	domain.Job
	Detail     string
	Provider   string
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// Registry is a concurrent map from job id to job state
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Entry
	now  func() time.Time
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		jobs: make(map[string]*Entry),
		now:  time.Now,
	}
}

// Create registers a new job in the Queued state
func (r *Registry) Create(job domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrJobExists, job.ID)
	}

	now := r.now()
	job.Status = domain.JobStatusQueued
	job.Error = ""
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	r.jobs[job.ID] = &Entry{Job: job, UpdatedAt: now}
	return nil
}

// SetStatus moves a job to a non-terminal status and replaces its detail text
func (r *Registry) SetStatus(id string, status domain.JobStatus, detail string) error {
	return r.update(id, func(e *Entry) {
		e.Status = status
		e.Detail = detail
	})
}

// SetDetail replaces the detail text, typically a progress line
func (r *Registry) SetDetail(id, detail string) error {
	return r.update(id, func(e *Entry) {
		e.Detail = detail
	})
}

// SetProvider records which provider produced the job's media
func (r *Registry) SetProvider(id, provider string) error {
	return r.update(id, func(e *Entry) {
		e.Provider = provider
	})
}

// Complete marks a job Completed
func (r *Registry) Complete(id, detail string) error {
	return r.update(id, func(e *Entry) {
		e.Status = domain.JobStatusCompleted
		e.Detail = detail
		e.FinishedAt = r.now()
	})
}

// Fail marks a job Failed with the given reason
func (r *Registry) Fail(id, reason string) error {
	return r.update(id, func(e *Entry) {
		e.Status = domain.JobStatusFailed
		e.Detail = ""
		e.Error = reason
		e.FinishedAt = r.now()
	})
}

func (r *Registry) update(id string, fn func(e *Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, e.Status)
	}

	fn(e)
	e.UpdatedAt = r.now()
	return nil
}

// Remove drops a job regardless of its state. Used when a job is handed back to the broker.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

// Get returns a copy of one entry
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of tracked jobs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Snapshot returns copies of all entries ordered by creation time then id
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, *e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

// Counts returns the number of entries per status
func (r *Registry) Counts() map[domain.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[domain.JobStatus]int)
	for _, e := range r.jobs {
		counts[e.Status]++
	}
	return counts
}

// Sweep removes terminal entries that finished more than grace ago and returns their ids
func (r *Registry) Sweep(grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-grace)
	var removed []string
	for id, e := range r.jobs {
		if e.Status.IsTerminal() && !e.FinishedAt.After(cutoff) {
			delete(r.jobs, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
