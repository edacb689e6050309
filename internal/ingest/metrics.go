package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	EventsTotal *prometheus.CounterVec
	Scores      prometheus.Histogram
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_ingest_events_total",
			Help: "Total inbound events by outcome.",
		}, []string{"outcome"}),
		Scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_ingest_score",
			Help:    "Priority scores assigned to persisted records.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.Scores,
	)

	return m
}
