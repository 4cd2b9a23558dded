// Package metrics holds the Prometheus collectors of the realtime core. All
// methods are safe on a nil *Metrics so components can run without a sink.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "neorent_realtime"

type Metrics struct {
	registry *prometheus.Registry

	heartbeatWrites     *prometheus.CounterVec
	messagesAppended    prometheus.Counter
	duplicateAppends    prometheus.Counter
	appendFailures      prometheus.Counter
	emissions           *prometheus.CounterVec
	loaderFailures      *prometheus.CounterVec
	activeSubscriptions prometheus.Gauge
	activeSessions      prometheus.Gauge
	relayed             *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		heartbeatWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_writes_total",
			Help:      "Presence writes by kind (online, offline) and result (ok, error).",
		}, []string{"kind", "result"}),
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages durably appended.",
		}),
		duplicateAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Appends answered from an existing idempotency key.",
		}),
		appendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_append_failures_total",
			Help:      "Appends that failed in the store.",
		}),
		emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_emissions_total",
			Help:      "Snapshots delivered to subscribers by topic kind.",
		}, []string{"kind"}),
		loaderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_load_failures_total",
			Help:      "Snapshot loads that failed and were retried.",
		}, []string{"kind"}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Live subscriptions.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Chat sessions in the Active state.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Change notifications relayed between nodes by direction.",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(
		m.heartbeatWrites,
		m.messagesAppended,
		m.duplicateAppends,
		m.appendFailures,
		m.emissions,
		m.loaderFailures,
		m.activeSubscriptions,
		m.activeSessions,
		m.relayed,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PresenceWrite(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.heartbeatWrites.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) MessageAppended(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.duplicateAppends.Inc()
		return
	}
	m.messagesAppended.Inc()
}

func (m *Metrics) AppendFailed() {
	if m == nil {
		return
	}
	m.appendFailures.Inc()
}

func (m *Metrics) Emitted(kind string) {
	if m == nil {
		return
	}
	m.emissions.WithLabelValues(kind).Inc()
}

func (m *Metrics) LoadFailed(kind string) {
	if m == nil {
		return
	}
	m.loaderFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Dec()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// Relayed counts cross-node notifications; direction is "out" or "in".
func (m *Metrics) Relayed(direction string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(direction).Inc()
}
