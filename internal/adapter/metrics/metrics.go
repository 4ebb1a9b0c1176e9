package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricsOnce ensures metrics are registered only once
	metricsOnce sync.Once

	// iocsPublishedTotal tracks IoCs forwarded by each stage
	iocsPublishedTotal *prometheus.CounterVec

	// iocsDroppedTotal tracks IoCs discarded by each stage and why
	iocsDroppedTotal *prometheus.CounterVec

	providerRunsTotal     *prometheus.CounterVec
	providerDuration      *prometheus.HistogramVec
	providerInflight      *prometheus.GaugeVec
	whitelistEntriesTotal *prometheus.CounterVec

	// lockWaitSeconds tracks time spent acquiring distributed locks
	lockWaitSeconds *prometheus.HistogramVec
	lockTimeouts    *prometheus.CounterVec

	httpErrorsTotal *prometheus.CounterVec
)

// Init registers all Prometheus metrics for the pipeline.
// This should be called once at application startup
func Init() {
	metricsOnce.Do(func() {
		iocsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_iocs_published_total",
				Help: "Total number of IoCs published by stage and source",
			},
			[]string{"stage", "source"},
		)

		iocsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_iocs_dropped_total",
				Help: "Total number of IoCs dropped by stage and reason",
			},
			[]string{"stage", "reason"},
		)

		providerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_provider_runs_total",
				Help: "Total number of provider runs by kind, source and outcome",
			},
			[]string{"kind", "source", "outcome"},
		)

		providerDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_provider_duration_seconds",
				Help:    "Duration of provider runs in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
			},
			[]string{"kind"},
		)

		providerInflight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_provider_inflight",
				Help: "Number of providers currently running",
			},
			[]string{"kind"},
		)

		whitelistEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_whitelist_entries_written_total",
				Help: "Total number of whitelist entries written by source",
			},
			[]string{"source"},
		)

		lockWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_lock_wait_seconds",
				Help:    "Time spent waiting for distributed locks",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"lock"},
		)

		lockTimeouts = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_lock_timeouts_total",
				Help: "Total number of lock acquisitions that timed out",
			},
			[]string{"lock"},
		)

		httpErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_feed_http_errors_total",
				Help: "Total number of feed HTTP errors by client and error type",
			},
			[]string{"client", "error_type"},
		)
	})
}

// RecordPublished records an IoC forwarded by a stage
// stage: "collector", "normalizer", "relevance"
func RecordPublished(stage, source string) {
	if iocsPublishedTotal != nil {
		iocsPublishedTotal.WithLabelValues(stage, source).Inc()
	}
}

// RecordDropped records an IoC discarded by a stage
// reason: "decode", "invalid", "whitelisted", "publish"
func RecordDropped(stage, reason string) {
	if iocsDroppedTotal != nil {
		iocsDroppedTotal.WithLabelValues(stage, reason).Inc()
	}
}

// RecordProviderRun records a finished provider run
// kind: "threat", "whitelist"
// outcome: "success", "error", "timeout", "cancelled"
func RecordProviderRun(kind, source, outcome string, duration time.Duration) {
	if providerRunsTotal != nil {
		providerRunsTotal.WithLabelValues(kind, source, outcome).Inc()
	}
	if providerDuration != nil {
		providerDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// ProviderStarted increments the in-flight gauge and returns its matching decrement.
func ProviderStarted(kind string) func() {
	if providerInflight == nil {
		return func() {}
	}
	g := providerInflight.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

func RecordWhitelistEntries(source string, n int) {
	if whitelistEntriesTotal != nil {
		whitelistEntriesTotal.WithLabelValues(source).Add(float64(n))
	}
}

// RecordLockWait records how long a lock acquisition waited
// lock: "global", "key"
func RecordLockWait(lock string, wait time.Duration) {
	if lockWaitSeconds != nil {
		lockWaitSeconds.WithLabelValues(lock).Observe(wait.Seconds())
	}
}

func RecordLockTimeout(lock string) {
	if lockTimeouts != nil {
		lockTimeouts.WithLabelValues(lock).Inc()
	}
}

// RecordHTTPError records a feed HTTP error by type
// errorType: "auth", "rate_limit", "timeout", "server_error", "connection", "circuit_open"
func RecordHTTPError(client, errorType string) {
	if httpErrorsTotal != nil {
		httpErrorsTotal.WithLabelValues(client, errorType).Inc()
	}
}
