package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resource_logger_ticks_total",
			Help: "Total number of collection ticks by result.",
		},
		[]string{"result"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resource_logger_tick_duration_seconds",
			Help:    "Duration of collect-and-persist ticks in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
