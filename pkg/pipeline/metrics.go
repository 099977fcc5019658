package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeApproved    = "approved"
	outcomeRejected    = "rejected"
	outcomePublished   = "published"
	outcomeRepublished = "republished"
	outcomeDuplicate   = "duplicate"
	outcomeMissing     = "missing"
	outcomeFailed      = "failed"
)

var (
	stageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_outcomes_total",
			Help: "Handled deliveries per stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of one stage handler invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	modelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_model_duration_seconds",
			Help:    "Latency of classifier and embedder calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "status"},
	)
)

func recordOutcome(stage, outcome string, started time.Time) {
	stageOutcomes.WithLabelValues(stage, outcome).Inc()
	stageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func recordModel(operation string, err error, started time.Time) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	modelDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}
