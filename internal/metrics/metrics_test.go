package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	if m.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
	if m.TasksReceived == nil {
		t.Error("TasksReceived metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestRecordConnectDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnect()
	m.RecordConnect()
	m.RecordDisconnect("idle_timeout")

	active := testutil.ToFloat64(m.ConnectionsActive)
	if active != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", active)
	}

	total := testutil.ToFloat64(m.ConnectionsTotal)
	if total != 2 {
		t.Errorf("ConnectionsTotal = %v, want 2", total)
	}
}

func TestRecordTasks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordTask("connect", "bidirectional stream")
	m.RecordTask("packet", "datagram")
	m.RecordTask("packet", "datagram")
	m.RecordRejected("heartbeat", "unidirectional stream")

	packets := testutil.ToFloat64(m.TasksReceived.WithLabelValues("packet", "datagram"))
	if packets != 2 {
		t.Errorf("TasksReceived[packet,datagram] = %v, want 2", packets)
	}

	rejected := testutil.ToFloat64(m.TasksRejected.WithLabelValues("heartbeat", "unidirectional stream"))
	if rejected != 1 {
		t.Errorf("TasksRejected[heartbeat,uni] = %v, want 1", rejected)
	}
}

func TestRecordConnectOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectOpen(0.05)
	m.RecordConnectOpen(0.1)
	m.RecordConnectClose()

	active := testutil.ToFloat64(m.ConnectsActive)
	if active != 1 {
		t.Errorf("ConnectsActive = %v, want 1", active)
	}

	total := testutil.ToFloat64(m.ConnectsTotal)
	if total != 2 {
		t.Errorf("ConnectsTotal = %v, want 2", total)
	}
}

func TestRecordPackets(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPacketSent("native", 1)
	m.RecordPacketSent("quic", 3)
	m.RecordPacketReceived("native")

	native := testutil.ToFloat64(m.PacketsSent.WithLabelValues("native"))
	if native != 1 {
		t.Errorf("PacketsSent[native] = %v, want 1", native)
	}

	frags := testutil.ToFloat64(m.FragmentsSent)
	if frags != 4 {
		t.Errorf("FragmentsSent = %v, want 4", frags)
	}
}

func TestRecordBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesSent("tcp", 1024)
	m.RecordBytesSent("tcp", 1024)
	m.RecordBytesReceived("udp", 512)

	sent := testutil.ToFloat64(m.BytesSent.WithLabelValues("tcp"))
	if sent != 2048 {
		t.Errorf("BytesSent[tcp] = %v, want 2048", sent)
	}

	recv := testutil.ToFloat64(m.BytesReceived.WithLabelValues("udp"))
	if recv != 512 {
		t.Errorf("BytesReceived[udp] = %v, want 512", recv)
	}
}

func TestRecordGC(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordGC(0)
	m.RecordGC(3)

	sweeps := testutil.ToFloat64(m.GCSweeps)
	if sweeps != 2 {
		t.Errorf("GCSweeps = %v, want 2", sweeps)
	}

	dropped := testutil.ToFloat64(m.GCDropped)
	if dropped != 3 {
		t.Errorf("GCDropped = %v, want 3", dropped)
	}
}

func TestRecordAuth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAuthSuccess(0.02)
	m.RecordAuthFailure()
	m.RecordAuthFailure()

	successes := testutil.ToFloat64(m.AuthSuccesses)
	if successes != 1 {
		t.Errorf("AuthSuccesses = %v, want 1", successes)
	}

	failures := testutil.ToFloat64(m.AuthFailures)
	if failures != 2 {
		t.Errorf("AuthFailures = %v, want 2", failures)
	}
}

func TestRecordSOCKS5(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSOCKS5Connect()
	m.RecordSOCKS5Connect()
	m.RecordSOCKS5Disconnect()
	m.RecordSOCKS5AuthFailure()

	active := testutil.ToFloat64(m.SOCKS5Connections)
	if active != 1 {
		t.Errorf("SOCKS5Connections = %v, want 1", active)
	}

	failures := testutil.ToFloat64(m.SOCKS5AuthFailures)
	if failures != 1 {
		t.Errorf("SOCKS5AuthFailures = %v, want 1", failures)
	}
}
