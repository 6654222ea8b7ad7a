package metrics

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Connections(t *testing.T) {
	c := New()

	c.ConnectionOpened()
	c.ConnectionOpened()
	if c.ActiveConnections() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveConnections())
	}
	if c.TotalConnections() != 2 {
		t.Errorf("total = %d, want 2", c.TotalConnections())
	}

	c.ConnectionClosed()
	if c.ActiveConnections() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveConnections())
	}
	if c.TotalConnections() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalConnections())
	}
}

func TestCollector_Sessions(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.RecordWritten(120)
	c.RecordWritten(30)
	c.RecordSkipped()
	c.SessionClosed()

	if c.ActiveSessions() != 0 || c.TotalSessions() != 1 {
		t.Errorf("sessions active=%d total=%d", c.ActiveSessions(), c.TotalSessions())
	}
	if c.RecordsWritten() != 2 || c.RecordsSkipped() != 1 {
		t.Errorf("records written=%d skipped=%d", c.RecordsWritten(), c.RecordsSkipped())
	}
	if got := c.Snapshot().ArtifactBytes; got != 150 {
		t.Errorf("artifact bytes = %d, want 150", got)
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
}

func TestCollector_DialRetries(t *testing.T) {
	c := New()

	c.DialRetry()
	c.DialRetry()
	c.DialRetry()

	if c.DialRetries() != 3 {
		t.Errorf("retries = %d, want 3", c.DialRetries())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("first error")
	c.RecordError("second error")

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
	snap := c.Snapshot()
	if snap.LastErrorMessage != "second error" || snap.LastError == "" {
		t.Errorf("last error = %q at %q", snap.LastErrorMessage, snap.LastError)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.RecordWritten(1)
			}
		}()
	}
	wg.Wait()
	if c.RecordsWritten() != 8000 {
		t.Errorf("records = %d, want 8000", c.RecordsWritten())
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.BytesSent(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.SessionsActive != 1 {
		t.Errorf("JSON sessions active = %d", snap.SessionsActive)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.SessionOpened()
	c.SessionClosed()
	c.RecordWritten(10)
	c.RecordSkipped()
	c.BytesReceived(100)
	c.BytesSent(100)
	c.DialRetry()
	c.RecordError("test")

	if c.ActiveConnections() != 0 || c.ActiveSessions() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesIn() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}

	if c.Snapshot() != (Snapshot{}) {
		t.Error("nil snapshot should be zero")
	}
	if j := c.JSON(); j == "" {
		t.Error("nil JSON should return valid JSON")
	}
}

// ── Prometheus ───────────────────────────────────────────────────────

func TestPrometheusCollector(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.RecordWritten(10)
	c.RecordSkipped()
	c.BytesReceived(7)
	c.BytesSent(9)

	pc := NewPrometheusCollector(c)

	if n := testutil.CollectAndCount(pc); n != int(numDescriptors)+1 {
		t.Errorf("collected %d metrics, want %d", n, numDescriptors+1)
	}

	expected := `
# HELP pktlog_sessions_active Recorded sessions with an open artifact.
# TYPE pktlog_sessions_active gauge
pktlog_sessions_active 1
# HELP pktlog_sessions_total Sessions recorded since start.
# TYPE pktlog_sessions_total counter
pktlog_sessions_total 2
# HELP pktlog_relay_bytes_total Bytes forwarded by the relay.
# TYPE pktlog_relay_bytes_total counter
pktlog_relay_bytes_total{direction="client_to_server"} 7
pktlog_relay_bytes_total{direction="server_to_client"} 9
`
	if err := testutil.CollectAndCompare(pc, strings.NewReader(expected),
		"pktlog_sessions_active", "pktlog_sessions_total", "pktlog_relay_bytes_total"); err != nil {
		t.Error(err)
	}
}

func TestPrometheusCollector_Register(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewPrometheusCollector(New())); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Errorf("gather: %v", err)
	}
}
