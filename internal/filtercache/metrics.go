package filtercache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the filter cache.
type Metrics struct {
	MutedChats   prometheus.Gauge
	TrackedSizes prometheus.Gauge
	SweepsTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns filter cache metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MutedChats: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herald_filter_muted_chats",
			Help: "Number of chats currently in the mute set.",
		}),
		TrackedSizes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herald_filter_tracked_group_sizes",
			Help: "Number of groups with a cached participant count.",
		}),
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_filter_sweeps_total",
			Help: "Total cache refresh sweeps by sweep kind and result.",
		}, []string{"sweep", "result"}),
	}

	reg.MustRegister(
		m.MutedChats,
		m.TrackedSizes,
		m.SweepsTotal,
	)

	return m
}
