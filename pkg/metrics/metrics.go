package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RunsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_runs_created_total",
			Help: "Update runs admitted to the ledger.",
		},
		[]string{"kind"},
	)

	RunsRetired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_runs_retired_total",
			Help: "Update runs deleted after their data was written.",
		},
		[]string{"kind"},
	)

	ActiveRuns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracker_active_runs",
			Help: "Update runs in the ledger at the start of the last pass.",
		},
		[]string{"kind"},
	)

	EntityFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_entity_faults_total",
			Help: "Per-entity faults skipped during a refresh.",
		},
		[]string{"kind", "type"}, // type: fetch, extraction, store
	)

	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_fetches_total",
			Help: "Page fetches by correlator mode and outcome.",
		},
		[]string{"mode", "outcome"}, // outcome: ok, status, error, cached
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracker_fetch_duration_seconds",
			Help:    "Duration of network page fetches.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode"},
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracker_refresh_duration_seconds",
			Help:    "Duration of refresh passes.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"kind"},
	)

	JobsInQueue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_fetch_jobs_in_queue",
			Help: "Fetch jobs waiting in the deferred queue.",
		},
	)
)
