// Package metrics provides Prometheus metrics for the fetch worker.
// Labels never carry job ids or URLs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch outcomes
const (
	DispatchAdmitted  = "admitted"
	DispatchDuplicate = "duplicate"
	DispatchMalformed = "malformed"
)

// Attempt and upload outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeRetry   = "retry"
)

var (
	// DispatchTotal counts inbound job messages by dispatch outcome.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchbot_dispatch_total",
		Help: "Total number of inbound job messages, by outcome (admitted/duplicate/malformed).",
	}, []string{"outcome"})

	// JobsFinishedTotal counts jobs reaching a terminal state.
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchbot_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal state, by status.",
	}, []string{"status"})

	// ProviderAttemptsTotal counts provider attempts by provider and outcome.
	ProviderAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchbot_provider_attempts_total",
		Help: "Total number of acquisition attempts, by provider and outcome.",
	}, []string{"provider", "outcome"})

	// ProviderAttemptDuration observes how long provider attempts take.
	ProviderAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetchbot_provider_attempt_duration_seconds",
		Help:    "Duration of acquisition attempts, by provider.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"provider"})

	// UploadsTotal counts upload attempts by file kind and outcome.
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchbot_uploads_total",
		Help: "Total number of upload attempts, by kind and outcome (success/failure/retry).",
	}, []string{"kind", "outcome"})

	// BytesDeliveredTotal counts bytes of successfully delivered files.
	BytesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchbot_bytes_delivered_total",
		Help: "Total number of bytes delivered.",
	})

	// ActiveJobs tracks jobs currently held by an orchestrator.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetchbot_active_jobs",
		Help: "Current number of jobs being orchestrated.",
	})

	// RegistryJobs tracks registry entries by status.
	RegistryJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fetchbot_registry_jobs",
		Help: "Current number of registry entries, by status.",
	}, []string{"status"})
)

// RecordDispatch increments the dispatch counter.
func RecordDispatch(outcome string) {
	DispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordJobFinished increments the terminal state counter.
func RecordJobFinished(status string) {
	JobsFinishedTotal.WithLabelValues(status).Inc()
}

// RecordProviderAttempt records one acquisition attempt.
func RecordProviderAttempt(provider, outcome string, seconds float64) {
	ProviderAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	ProviderAttemptDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordUpload records one upload attempt.
func RecordUpload(kind, outcome string) {
	UploadsTotal.WithLabelValues(kind, outcome).Inc()
}

// AddBytesDelivered adds n to the delivered bytes counter.
func AddBytesDelivered(n int64) {
	if n > 0 {
		BytesDeliveredTotal.Add(float64(n))
	}
}

// SetRegistryJobs replaces the per-status registry gauge.
func SetRegistryJobs(counts map[string]int, statuses []string) {
	for _, s := range statuses {
		RegistryJobs.WithLabelValues(s).Set(float64(counts[s]))
	}
}
