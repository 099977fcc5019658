package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_pool_capacity",
			Help: "Configured worker count of the pool",
		},
		[]string{"pool"},
	)

	poolRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_pool_running",
			Help: "Workers busy with a delivery",
		},
		[]string{"pool"},
	)

	messagesSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_settled_total",
			Help: "Deliveries settled by outcome",
		},
		[]string{"pool", "outcome"},
	)

	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consumer_handler_duration_seconds",
			Help:    "Duration of one handler invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)
)
