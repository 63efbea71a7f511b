package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus mirror of the recorder's state.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
	DroppedSamples prometheus.Counter
	ActiveAlerts   *prometheus.GaugeVec
	CacheSize      prometheus.Gauge
	SweeperPending prometheus.Gauge
	ViewRefresh    *prometheus.HistogramVec
	ViewRows       *prometheus.GaugeVec
}

// NewMetrics creates and registers the metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "requests_total",
			Help:      "Authorization operations by op, answering tier, and outcome",
		}, []string{"op", "tier", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Name:      "request_duration_seconds",
			Help:      "Authorization operation latency by op and answering tier",
			Buckets:   []float64{.001, .005, .01, .02, .05, .1, .2, .5, 1},
		}, []string{"op", "tier"}),
		DroppedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "recorder_dropped_samples_total",
			Help:      "Samples dropped because the recorder buffer was full",
		}),
		ActiveAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "active_alerts",
			Help:      "Active alerts by severity",
		}, []string{"severity"}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "l1_entries",
			Help:      "Decisions currently held in the in-process cache",
		}),
		SweeperPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "sweeper_pending",
			Help:      "Invalidations queued for retry",
		}),
		ViewRefresh: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Name:      "view_refresh_duration_seconds",
			Help:      "Materialized view refresh latency by view",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60},
		}, []string{"view"}),
		ViewRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "view_rows",
			Help:      "Rows written by the last refresh of each view",
		}, []string{"view"}),
	}

	reg.MustRegister(
		m.Requests,
		m.Duration,
		m.DroppedSamples,
		m.ActiveAlerts,
		m.CacheSize,
		m.SweeperPending,
		m.ViewRefresh,
		m.ViewRows,
	)
	return m
}
