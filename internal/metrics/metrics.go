// Package metrics provides Prometheus metrics for the tunnel.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tuic"
)

// Metrics contains all Prometheus metrics for the tunnel.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionCloses  *prometheus.CounterVec

	// Authentication metrics
	AuthSuccesses prometheus.Counter
	AuthFailures  prometheus.Counter
	AuthLatency   prometheus.Histogram

	// Task dispatch metrics
	TasksReceived *prometheus.CounterVec
	TasksRejected *prometheus.CounterVec
	HeaderErrors  *prometheus.CounterVec

	// Relayed TCP metrics
	ConnectsActive prometheus.Gauge
	ConnectsTotal  prometheus.Counter
	ConnectLatency prometheus.Histogram

	// Relayed UDP metrics
	AssociationsActive prometheus.Gauge
	PacketsSent        *prometheus.CounterVec
	PacketsReceived    *prometheus.CounterVec
	FragmentsSent      prometheus.Counter
	FragmentsReceived  prometheus.Counter
	PacketsDropped     *prometheus.CounterVec

	// Data transfer metrics
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec

	// Housekeeping metrics
	GCSweeps       prometheus.Counter
	GCDropped      prometheus.Counter
	HeartbeatsSent prometheus.Counter
	HeartbeatsRecv prometheus.Counter

	// SOCKS5 metrics
	SOCKS5Connections      prometheus.Gauge
	SOCKS5ConnectionsTotal prometheus.Counter
	SOCKS5AuthFailures     prometheus.Counter
	SOCKS5ConnectLatency   prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Connection metrics
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open tunnel connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of tunnel connections established",
		}),
		ConnectionCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_closes_total",
			Help:      "Total tunnel connection closures by reason",
		}, []string{"reason"}),

		// Authentication metrics
		AuthSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_successes_total",
			Help:      "Total successful authentications",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total failed authentications",
		}),
		AuthLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_latency_seconds",
			Help:      "Histogram of time from connection open to authentication",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		// Task dispatch metrics
		TasksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_received_total",
			Help:      "Total accepted tasks by command and channel",
		}, []string{"command", "channel"}),
		TasksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_rejected_total",
			Help:      "Total rejected commands by command and channel",
		}, []string{"command", "channel"}),
		HeaderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_errors_total",
			Help:      "Total malformed headers by channel",
		}, []string{"channel"}),

		// Relayed TCP metrics
		ConnectsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connects_active",
			Help:      "Number of active relayed TCP connections",
		}),
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total relayed TCP connections",
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of relayed TCP connect latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		// Relayed UDP metrics
		AssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "associations_active",
			Help:      "Number of active UDP associations",
		}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total UDP packets relayed out by mode",
		}, []string{"mode"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total UDP packets relayed in by mode",
		}, []string{"mode"}),
		FragmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_sent_total",
			Help:      "Total packet fragments sent",
		}),
		FragmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_received_total",
			Help:      "Total packet fragments received",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total UDP packets dropped by reason",
		}, []string{"reason"}),

		// Data transfer metrics
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes relayed out by type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes relayed in by type",
		}, []string{"type"}),

		// Housekeeping metrics
		GCSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_sweeps_total",
			Help:      "Total reassembly garbage collection sweeps",
		}),
		GCDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_dropped_total",
			Help:      "Total incomplete reassembly buffers dropped",
		}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeats sent",
		}),
		HeartbeatsRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Total heartbeats received",
		}),

		// SOCKS5 metrics
		SOCKS5Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "Number of active SOCKS5 connections",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 connections",
		}),
		SOCKS5AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_auth_failures_total",
			Help:      "Total SOCKS5 authentication failures",
		}),
		SOCKS5ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_connect_latency_seconds",
			Help:      "Histogram of SOCKS5 connect request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}

	return m
}

// RecordConnect records a new tunnel connection.
func (m *Metrics) RecordConnect() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordDisconnect records a tunnel connection closure.
func (m *Metrics) RecordDisconnect(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionCloses.WithLabelValues(reason).Inc()
}

// RecordAuthSuccess records a successful authentication.
func (m *Metrics) RecordAuthSuccess(latencySeconds float64) {
	m.AuthSuccesses.Inc()
	m.AuthLatency.Observe(latencySeconds)
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordTask records an accepted task.
func (m *Metrics) RecordTask(command, channel string) {
	m.TasksReceived.WithLabelValues(command, channel).Inc()
}

// RecordRejected records a rejected command.
func (m *Metrics) RecordRejected(command, channel string) {
	m.TasksRejected.WithLabelValues(command, channel).Inc()
}

// RecordHeaderError records a malformed header.
func (m *Metrics) RecordHeaderError(channel string) {
	m.HeaderErrors.WithLabelValues(channel).Inc()
}

// RecordConnectOpen records a relayed TCP connection being opened.
func (m *Metrics) RecordConnectOpen(latencySeconds float64) {
	m.ConnectsActive.Inc()
	m.ConnectsTotal.Inc()
	m.ConnectLatency.Observe(latencySeconds)
}

// RecordConnectClose records a relayed TCP connection being closed.
func (m *Metrics) RecordConnectClose() {
	m.ConnectsActive.Dec()
}

// RecordPacketSent records a relayed UDP packet leaving.
func (m *Metrics) RecordPacketSent(mode string, fragments int) {
	m.PacketsSent.WithLabelValues(mode).Inc()
	m.FragmentsSent.Add(float64(fragments))
}

// RecordPacketReceived records a relayed UDP packet arriving.
func (m *Metrics) RecordPacketReceived(mode string) {
	m.PacketsReceived.WithLabelValues(mode).Inc()
}

// RecordFragmentReceived records one inbound packet fragment.
func (m *Metrics) RecordFragmentReceived() {
	m.FragmentsReceived.Inc()
}

// RecordPacketDropped records a dropped UDP packet.
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordBytesSent records bytes relayed out.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes relayed in.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordGC records one garbage collection sweep.
func (m *Metrics) RecordGC(dropped int) {
	m.GCSweeps.Inc()
	m.GCDropped.Add(float64(dropped))
}

// RecordHeartbeatSent records a heartbeat sent.
func (m *Metrics) RecordHeartbeatSent() {
	m.HeartbeatsSent.Inc()
}

// RecordHeartbeatRecv records a heartbeat received.
func (m *Metrics) RecordHeartbeatRecv() {
	m.HeartbeatsRecv.Inc()
}

// SOCKS5 metrics helpers

// RecordSOCKS5Connect records a SOCKS5 connection.
func (m *Metrics) RecordSOCKS5Connect() {
	m.SOCKS5Connections.Inc()
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordSOCKS5Disconnect records a SOCKS5 disconnection.
func (m *Metrics) RecordSOCKS5Disconnect() {
	m.SOCKS5Connections.Dec()
}

// RecordSOCKS5AuthFailure records a SOCKS5 auth failure.
func (m *Metrics) RecordSOCKS5AuthFailure() {
	m.SOCKS5AuthFailures.Inc()
}

// RecordSOCKS5Latency records SOCKS5 connect latency.
func (m *Metrics) RecordSOCKS5Latency(latencySeconds float64) {
	m.SOCKS5ConnectLatency.Observe(latencySeconds)
}
