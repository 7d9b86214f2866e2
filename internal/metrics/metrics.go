// Package metrics exposes Prometheus instrumentation for the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all control-plane collectors.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedAgents  prometheus.Gauge
	ActiveStreams    prometheus.Gauge
	ActiveTerminals  prometheus.Gauge
	PendingRequests  prometheus.Gauge
	FramesRelayed    prometheus.Counter
	FramesDropped    prometheus.Counter
	SleepQueueDrops  prometheus.Counter
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  prometheus.Histogram
	TransfersByState *prometheus.CounterVec
	RelayRequests    *prometheus.CounterVec
	HeartbeatsTotal  prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deskwire_connected_agents",
			Help: "Number of agents with a live control WebSocket.",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deskwire_active_streams",
			Help: "Number of active screen stream sessions.",
		}),
		ActiveTerminals: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deskwire_active_terminals",
			Help: "Number of active terminal sessions.",
		}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deskwire_pending_requests",
			Help: "In-flight correlated requests awaiting agent responses.",
		}),
		FramesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "deskwire_stream_frames_relayed_total",
			Help: "Stream frames relayed from agents to viewers.",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "deskwire_stream_frames_dropped_total",
			Help: "Stream frames dropped due to slow viewers.",
		}),
		SleepQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "deskwire_sleep_queue_drops_total",
			Help: "Commands evicted from full sleep queues.",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_commands_total",
			Help: "Commands dispatched to agents, by method and outcome.",
		}, []string{"method", "outcome"}),
		CommandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskwire_command_duration_seconds",
			Help:    "Round-trip time for correlated agent commands.",
			Buckets: prometheus.DefBuckets,
		}),
		TransfersByState: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_file_transfers_total",
			Help: "File transfers by terminal status.",
		}, []string{"status"}),
		RelayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskwire_relay_requests_total",
			Help: "Master relay requests by outcome.",
		}, []string{"outcome"}),
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "deskwire_heartbeats_total",
			Help: "Heartbeats received from agents.",
		}),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
