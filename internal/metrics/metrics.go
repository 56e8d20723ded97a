// Package metrics holds the Prometheus collectors shared across faultline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Counter metrics
	IssuesUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_issues_upserted_total",
			Help: "Total number of issue upserts by outcome",
		},
		[]string{"outcome"},
	)

	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_events_ingested_total",
			Help: "Total number of error records processed by the ingest endpoint",
		},
		[]string{"result"},
	)

	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_status_transitions_total",
			Help: "Total number of issue status transitions",
		},
		[]string{"from", "to"},
	)

	RejectedTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_status_transitions_rejected_total",
			Help: "Total number of status transitions rejected by the lifecycle table",
		},
		[]string{"from", "to"},
	)

	RegressionsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_regressions_detected_total",
			Help: "Total number of resolved issues moved to regressed",
		},
		[]string{"service"},
	)

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_issue_cache_lookups_total",
			Help: "Issue cache lookups by result",
		},
		[]string{"result"},
	)

	// Gauge metrics
	WriteQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "faultline_write_queue_depth",
			Help: "Number of write units waiting for the single writer",
		},
	)

	// Histogram metrics
	WriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faultline_write_duration_seconds",
			Help:    "Time spent executing a write unit",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"result"},
	)

	RegressionSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "faultline_regression_sweep_duration_seconds",
			Help:    "Duration of a regression check",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		IssuesUpserted,
		EventsIngested,
		StatusTransitions,
		RejectedTransitions,
		RegressionsDetected,
		CacheLookups,
		WriteQueueDepth,
		WriteDuration,
		RegressionSweepDuration,
	)
}

// Result maps an error to the "ok"/"error" label used by result vectors.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
