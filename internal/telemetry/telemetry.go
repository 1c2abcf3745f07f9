package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's prometheus instruments.
type Metrics struct {
	QueriesTotal   prometheus.Counter
	DegradedTotal  prometheus.Counter
	StageDuration  *prometheus.HistogramVec
	OpenSockets    prometheus.Gauge
	SessionsActive prometheus.Gauge
}

// NewMetrics registers the service metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "newschat_queries_total",
			Help: "Total pipeline query passes.",
		}),
		DegradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "newschat_queries_degraded_total",
			Help: "Query passes that resolved to a fallback answer.",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newschat_pipeline_stage_seconds",
			Help:    "Latency of pipeline stages.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		OpenSockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "newschat_websocket_connections",
			Help: "Currently open websocket connections.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "newschat_sessions_active",
			Help: "Sessions seen in the last list operation.",
		}),
	}
}

// ObserveStage records one stage duration.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
