// Package metrics declares the Prometheus collectors shared across the
// pipeline, the front-ends and the ops server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flac2mp3_conversions_total",
			Help: "Conversion requests by terminal state",
		},
		[]string{"state"},
	)

	TranscodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flac2mp3_transcode_duration_seconds",
			Help:    "Wall-clock duration of ffmpeg runs",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	TranscodeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flac2mp3_transcode_results_total",
			Help: "ffmpeg runs by result",
		},
		[]string{"result"},
	)

	TempCleanupErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flac2mp3_temp_cleanup_errors_total",
			Help: "Temporary file removals that failed for a reason other than absence",
		},
	)
)

// Admission metrics
var (
	GateInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flac2mp3_gate_in_flight",
			Help: "Conversion permits currently held",
		},
	)

	GateWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flac2mp3_gate_waiting",
			Help: "Callers blocked waiting for a conversion permit",
		},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flac2mp3_rate_limit_decisions_total",
			Help: "Per-user admission decisions",
		},
		[]string{"decision"},
	)
)

// Queue metrics
var (
	QueueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flac2mp3_queue_jobs_total",
			Help: "Queue jobs processed by outcome",
		},
		[]string{"outcome"},
	)

	QueueRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flac2mp3_queue_stale_jobs_total",
			Help: "Stale jobs moved from processing to the failed queue",
		},
	)
)
