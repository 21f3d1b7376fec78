package analyzer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the analysis service
type Metrics struct {
	Analyses       *prometheus.CounterVec
	StageFailures  *prometheus.CounterVec
	Fetches        prometheus.Counter
	DataGaps       prometheus.Counter
	RecordFailures prometheus.Counter
	Duration       prometheus.Histogram
}

// NewMetrics registers service metrics with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Analyses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_analyses_total",
			Help: "Analyze calls by outcome (ok, degraded, error)",
		}, []string{"outcome"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_analysis_stage_failures_total",
			Help: "Failed analyses by pipeline stage",
		}, []string{"stage"}),
		Fetches: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_chain_fetches_total",
			Help: "Chain data fetches including retries",
		}),
		DataGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_data_gaps_total",
			Help: "Opening balances synthesized for missing credits",
		}),
		RecordFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_record_failures_total",
			Help: "Persistence failures after a recomputation",
		}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wallet_analysis_duration_seconds",
			Help:    "Full pipeline duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}
