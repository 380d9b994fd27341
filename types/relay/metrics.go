package relay

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "relay"

// Metrics are the counters of a single Server.
//
// They are not registered anywhere; Metrics implements prometheus.Collector, so a caller
// can register it with whatever registry it exposes.
type Metrics struct {
	Accepted prometheus.Counter
	Rejected prometheus.Counter

	Clients    prometheus.Gauge
	MeshPeers  prometheus.Gauge
	Forwarders prometheus.Gauge

	PacketsDelivered prometheus.Counter
	PacketsForwarded prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
}

var _ prometheus.Collector = (*Metrics)(nil)

const (
	dropReasonNoRoute      = "no_route"
	dropReasonForwardError = "forward_error"
	dropReasonQueueFull    = "queue_full"
	dropReasonGone         = "client_gone"
)

func newMetrics() *Metrics {
	return &Metrics{
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "accepted_connections_total",
			Help:      "Connections accepted during the relay handshake.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_connections_total",
			Help:      "Connections that failed or were refused during the relay handshake.",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "clients",
			Help:      "Currently connected clients, mesh peers included.",
		}),
		MeshPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "mesh_peers",
			Help:      "Currently connected clients that presented the mesh key.",
		}),
		Forwarders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "packet_forwarders",
			Help:      "Registered routes to clients homed on other relays.",
		}),
		PacketsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_delivered_total",
			Help:      "Packets queued to a locally connected client.",
		}),
		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_forwarded_total",
			Help:      "Packets handed to a mesh peer for a client homed elsewhere.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_dropped_total",
			Help:      "Packets that could not be delivered or forwarded.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Accepted, m.Rejected,
		m.Clients, m.MeshPeers, m.Forwarders,
		m.PacketsDelivered, m.PacketsForwarded, m.PacketsDropped,
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
