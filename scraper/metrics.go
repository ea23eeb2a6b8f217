package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the harvester.
type Metrics struct {
	Registry         *prometheus.Registry
	FetchesTotal     *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	RecordsTotal     prometheus.Counter
	ExtractionIssues *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
	FlushesTotal     *prometheus.CounterVec
	RunsTotal        *prometheus.CounterVec
	LastRunRecords   prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_fetches_total",
			Help: "Total HTTP fetches by page kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "HTTP fetch latency, retries included.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_records_extracted_total",
			Help: "Total number of price records handed to the batch writer.",
		},
	)
	issues := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_extraction_issues_total",
			Help: "Fields that fell back to their default value.",
		},
		[]string{"field"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Total number of fetch retries.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Total number of fetch errors by type.",
		},
		[]string{"error_type"},
	)
	flushes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_batch_flushes_total",
			Help: "Batch flushes by outcome.",
		},
		[]string{"outcome"},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_runs_total",
			Help: "Completed crawls by outcome.",
		},
		[]string{"outcome"},
	)
	lastRun := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_last_run_records",
			Help: "Records extracted by the most recent crawl.",
		},
	)

	registry.MustRegister(fetches, fetchDuration, records, issues, retries, errorsTotal, flushes, runs, lastRun)

	return &Metrics{
		Registry:         registry,
		FetchesTotal:     fetches,
		FetchDuration:    fetchDuration,
		RecordsTotal:     records,
		ExtractionIssues: issues,
		RetriesTotal:     retries,
		ErrorsTotal:      errorsTotal,
		FlushesTotal:     flushes,
		RunsTotal:        runs,
		LastRunRecords:   lastRun,
	}
}

// IncFetch counts one fetch of kind with its outcome.
func (m *Metrics) IncFetch(kind, outcome string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveDuration records a fetch duration.
func (m *Metrics) ObserveDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// IncRecords increments the records counter.
func (m *Metrics) IncRecords() {
	if m == nil {
		return
	}
	m.RecordsTotal.Inc()
}

// IncIssue counts a degraded field.
func (m *Metrics) IncIssue(field string) {
	if m == nil {
		return
	}
	m.ExtractionIssues.WithLabelValues(field).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// ObserveFlush counts a batch flush.
func (m *Metrics) ObserveFlush(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.FlushesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRun records the outcome of a crawl.
func (m *Metrics) ObserveRun(outcome string, records int) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.LastRunRecords.Set(float64(records))
}
