package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus instruments. Each engine owns one
// set, registered against the registry the caller provides.
type Metrics struct {
	CyclesTotal      prometheus.Counter
	PairsEvaluated   prometheus.Counter
	IntentsSubmitted prometheus.Counter
	FillsApplied     prometheus.Counter
	SkipsTotal       *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
}

// NewMetrics registers the engine instruments on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "cycles_total",
			Help:      "Evaluation cycles run.",
		}),
		PairsEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "pairs_evaluated_total",
			Help:      "Pair pipelines that completed.",
		}),
		IntentsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "intents_submitted_total",
			Help:      "Order intents submitted to the gateway.",
		}),
		FillsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "fills_applied_total",
			Help:      "Fills credited to the position book.",
		}),
		SkipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "pair_skips_total",
			Help:      "Pairs skipped for a cycle, by reason.",
		}, []string{"reason"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one evaluation cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
