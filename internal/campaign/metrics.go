package campaign

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks loop progress.
type Metrics struct {
	Iterations   prometheus.Counter
	Discoveries  prometheus.Counter
	Candidates   prometheus.Gauge
	Stops        *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
}

// NewMetrics registers loop metrics with reg; nil registers nowhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Iterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "campaign",
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Iterations that submitted a new batch",
		}),
		Discoveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "campaign",
			Subsystem: "loop",
			Name:      "discoveries_total",
			Help:      "Discoveries reported by the analyzer",
		}),
		Candidates: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "campaign",
			Subsystem: "loop",
			Name:      "candidates_remaining",
			Help:      "Candidates not yet returned as results",
		}),
		Stops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campaign",
			Subsystem: "loop",
			Name:      "stops_total",
			Help:      "Loop stops by reason",
		}, []string{"reason"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "campaign",
			Subsystem: "loop",
			Name:      "step_duration_seconds",
			Help:      "Duration of collaborator calls by step",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"step"}),
	}
}
