package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the chat collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	entriesAppended *prometheus.CounterVec
	publishes       prometheus.Counter
	deliveries      prometheus.Counter
	subscriberDrops *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	openConnections prometheus.Gauge
	rejectedFrames  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		entriesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studychat",
			Name:      "entries_appended_total",
			Help:      "Chat entries persisted, by kind.",
		}, []string{"kind"}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "studychat",
			Name:      "publishes_total",
			Help:      "Payloads published to study channels.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "studychat",
			Name:      "deliveries_total",
			Help:      "Payloads queued onto subscriber connections.",
		}),
		subscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studychat",
			Name:      "subscriber_drops_total",
			Help:      "Subscriber connections dropped, by reason.",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studychat",
			Name:      "notifications_total",
			Help:      "Domain events handled by the notification bridge, by result.",
		}, []string{"result"}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "studychat",
			Name:      "open_connections",
			Help:      "Live websocket connections.",
		}),
		rejectedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studychat",
			Name:      "rejected_frames_total",
			Help:      "Inbound frames rejected, by error code.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.entriesAppended,
		m.publishes,
		m.deliveries,
		m.subscriberDrops,
		m.notifications,
		m.openConnections,
		m.rejectedFrames,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EntryAppended(kind string) {
	if m == nil {
		return
	}
	m.entriesAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) Published(delivered int) {
	if m == nil {
		return
	}
	m.publishes.Inc()
	m.deliveries.Add(float64(delivered))
}

func (m *Metrics) SubscriberDropped(reason string) {
	if m == nil {
		return
	}
	m.subscriberDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.openConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.openConnections.Dec()
}

func (m *Metrics) FrameRejected(code string) {
	if m == nil {
		return
	}
	m.rejectedFrames.WithLabelValues(code).Inc()
}
