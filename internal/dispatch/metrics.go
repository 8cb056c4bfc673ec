package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "batchd",
			Subsystem: "dispatch",
			Name:      "batch_size",
			Help:      "Number of tasks drained into one decode batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	decodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "batchd",
			Subsystem: "dispatch",
			Name:      "decode_duration_seconds",
			Help:      "Duration of batched backend decode calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	sampleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "batchd",
			Subsystem: "dispatch",
			Name:      "sample_duration_seconds",
			Help:      "Duration of backend sample calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	tokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "dispatch",
			Name:      "tokens_total",
			Help:      "Total number of pieces delivered to result streams",
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Commands handled by the session manager",
		},
		[]string{"kind"},
	)

	sessionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "batchd",
			Subsystem: "dispatch",
			Name:      "sessions",
			Help:      "Sessions by state",
		},
		[]string{"state"},
	)

	abandonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "dispatch",
			Name:      "abandoned_total",
			Help:      "Tasks abandoned by the decode loop",
		},
		[]string{"reason"},
	)

	backendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "batchd",
			Subsystem: "dispatch",
			Name:      "backend_errors_total",
			Help:      "Backend decode/sample failures",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(batchSize, decodeDuration, sampleDuration, tokensTotal,
		commandsTotal, sessionsGauge, abandonedTotal, backendErrorsTotal)
}
