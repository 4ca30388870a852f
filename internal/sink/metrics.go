package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resource_logger_sink_writes_total",
			Help: "Total number of snapshot writes per sink and result",
		},
		[]string{"sink", "result"},
	)

	sinkWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resource_logger_sink_write_duration_seconds",
			Help:    "Snapshot write latency per sink in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)
)
