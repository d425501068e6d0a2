package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "campaign"

// Metrics counts checkpoint traffic. Build one per registry with NewMetrics.
type Metrics struct {
	SavesTotal   *prometheus.CounterVec
	LoadsTotal   *prometheus.CounterVec
	SaveDuration *prometheus.HistogramVec
	SyncFailures prometheus.Counter
	BytesWritten *prometheus.CounterVec
}

// NewMetrics registers checkpoint metrics with reg. A nil registerer yields
// metrics that are collected nowhere, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SavesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkpoint",
			Name:      "saves_total",
			Help:      "Checkpoint saves by entity, encoding and status",
		}, []string{"entity", "encoding", "status"}),
		LoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkpoint",
			Name:      "loads_total",
			Help:      "Checkpoint loads by entity, encoding and outcome",
		}, []string{"entity", "encoding", "outcome"}),
		SaveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkpoint",
			Name:      "save_duration_seconds",
			Help:      "Time to encode and durably write one checkpoint",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"encoding"}),
		SyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkpoint",
			Name:      "sync_failures_total",
			Help:      "Remote sync attempts that failed after a save",
		}),
		BytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkpoint",
			Name:      "bytes_written_total",
			Help:      "Encoded checkpoint bytes written by encoding",
		}, []string{"encoding"}),
	}
}
