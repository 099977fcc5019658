package autoscale

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoscaler_queue_depth",
			Help: "Backlog observed on the last successful probe",
		},
		[]string{"pool"},
	)

	desiredWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoscaler_desired_workers",
			Help: "Worker count requested by the controller",
		},
		[]string{"pool"},
	)

	currentWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoscaler_current_workers",
			Help: "Worker count of the pool when sampled",
		},
		[]string{"pool"},
	)

	resizes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_resizes_total",
			Help: "Pool resizes applied",
		},
		[]string{"pool", "direction"},
	)

	skippedTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_skipped_ticks_total",
			Help: "Ticks that did not resize, by reason",
		},
		[]string{"pool", "reason"},
	)

	probeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_probe_failures_total",
			Help: "Backlog probes that failed or timed out",
		},
		[]string{"pool"},
	)
)
