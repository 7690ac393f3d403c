// Package telemetry exposes the node's Prometheus metrics: transport
// send outcomes, routing-table reliability/latency, gossip throughput,
// and connected-peer counts, on an isolated registry so these metrics
// never collide with a host application's default registry.
//
// Grounded on pkg/p2pnet.Metrics in the teacher repo: one struct of
// pre-registered vector collectors built by NewMetrics, served through
// a promhttp handler the caller mounts wherever it likes.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every atmosphere Prometheus collector.
type Metrics struct {
	Registry *prometheus.Registry

	TransportSendTotal           *prometheus.CounterVec
	TransportSendDurationSeconds *prometheus.HistogramVec
	ConnectedPeers               *prometheus.GaugeVec

	RouteReliability   *prometheus.GaugeVec
	RouteLatencySeconds *prometheus.GaugeVec

	GossipEnvelopesTotal *prometheus.CounterVec

	BuildInfo *prometheus.GaugeVec
}

// NewMetrics builds a Metrics instance on its own registry. version and
// goVersion are recorded as labels on the atmosphere_info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		TransportSendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_transport_send_total",
				Help: "Total Send attempts per transport and outcome.",
			},
			[]string{"transport", "result"},
		),
		TransportSendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atmosphere_transport_send_duration_seconds",
				Help:    "Duration of transport Send calls in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
			},
			[]string{"transport"},
		),
		ConnectedPeers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atmosphere_connected_peers",
				Help: "Number of peers currently connected, by transport.",
			},
			[]string{"transport"},
		),
		RouteReliability: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atmosphere_route_reliability",
				Help: "Routing table reliability score (0-1) per destination and transport.",
			},
			[]string{"destination", "transport"},
		),
		RouteLatencySeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atmosphere_route_latency_seconds",
				Help: "Most recently measured route latency in seconds per destination and transport.",
			},
			[]string{"destination", "transport"},
		),
		GossipEnvelopesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_gossip_envelopes_total",
				Help: "Total gossip envelopes processed, by direction.",
			},
			[]string{"direction"}, // "inbound" or "outbound"
		),
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atmosphere_info",
				Help: "Build information for the running atmosphere node.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.TransportSendTotal,
		m.TransportSendDurationSeconds,
		m.ConnectedPeers,
		m.RouteReliability,
		m.RouteLatencySeconds,
		m.GossipEnvelopesTotal,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler serving this registry's metrics, which
// the host application mounts under whatever path it chooses (e.g. /metrics).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
