package scoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the orchestrator
type Metrics struct {
	Attempts *prometheus.CounterVec
	Results  *prometheus.CounterVec
	Latency  prometheus.Histogram
}

// NewMetrics registers scoring metrics with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_scoring_attempts_total",
			Help: "Scoring capability attempts by outcome",
		}, []string{"outcome"}),
		Results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_scoring_results_total",
			Help: "Scored analyses by source (capability or heuristic)",
		}, []string{"source"}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wallet_scoring_duration_seconds",
			Help:    "Time spent producing a score, including retries",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
}
