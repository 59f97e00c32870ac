package core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports engine counters in Prometheus format.
type Metrics struct {
	registry *prometheus.Registry

	sessions      prometheus.Gauge
	messages      *prometheus.CounterVec
	eventsDropped prometheus.Counter
	rejections    *prometheus.CounterVec
}

func newMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "concord_sessions",
		Help: "Number of live sessions.",
	})
	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_messages_total",
		Help: "Messages accepted by the engine.",
	}, []string{"kind"}) // kind: channel | direct
	m.eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "concord_events_dropped_total",
		Help: "Events dropped because a session queue was closed.",
	})
	m.rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_rejections_total",
		Help: "Operations refused for a semantic reason.",
	}, []string{"op"})

	m.registry.MustRegister(m.sessions, m.messages, m.eventsDropped, m.rejections)
	return m
}

// Handler returns the scrape endpoint for this engine's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
