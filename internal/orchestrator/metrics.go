package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qontrol",
		Name:      "queue_depth",
		Help:      "Jobs waiting in the in-process queue.",
	})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qontrol",
		Name:      "jobs_terminal_total",
		Help:      "Jobs reaching a terminal state, by state.",
	}, []string{"state"})
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qontrol",
		Name:      "pilot_run_seconds",
		Help:      "Wall time of pilot Run calls, by provider.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"provider"})
)
