// Package metrics provides lock-free counters and gauges for a running
// relay: client connections, recorded sessions, log records, relayed
// bytes, and errors.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one relay process.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	sessionsActive    atomic.Int64
	sessionsTotal     atomic.Int64
	recordsWritten    atomic.Int64
	recordsSkipped    atomic.Int64
	artifactBytes     atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	dialRetries       atomic.Int64
	errorsTotal       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened counts a relayed client connection.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection gauge.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the number of clients currently relayed.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened counts a connection that started recording.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the number of open artifacts.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime recorded-session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// RecordWritten counts one appended record of n bytes.
func (c *Collector) RecordWritten(n int) {
	if c == nil {
		return
	}
	c.recordsWritten.Add(1)
	c.artifactBytes.Add(int64(n))
}

// RecordSkipped counts a message the packet filter denied.
func (c *Collector) RecordSkipped() {
	if c == nil {
		return
	}
	c.recordsSkipped.Add(1)
}

// RecordsWritten returns the number of records appended to artifacts.
func (c *Collector) RecordsWritten() int64 {
	if c == nil {
		return 0
	}
	return c.recordsWritten.Load()
}

// RecordsSkipped returns the number of filtered-out messages.
func (c *Collector) RecordsSkipped() int64 {
	if c == nil {
		return 0
	}
	return c.recordsSkipped.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes relayed from client to upstream.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes relayed from upstream to client.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total client-to-upstream bytes.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total upstream-to-client bytes.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// DialRetry records a failed upstream dial attempt that will be retried.
func (c *Collector) DialRetry() {
	if c == nil {
		return
	}
	c.dialRetries.Add(1)
}

// DialRetries returns the total number of retried upstream dials.
func (c *Collector) DialRetries() int64 {
	if c == nil {
		return 0
	}
	return c.dialRetries.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	SessionsActive    int64  `json:"sessions_active"`
	SessionsTotal     int64  `json:"sessions_total"`
	RecordsWritten    int64  `json:"records_written"`
	RecordsSkipped    int64  `json:"records_skipped"`
	ArtifactBytes     int64  `json:"artifact_bytes"`
	BytesIn           int64  `json:"bytes_in"`
	BytesOut          int64  `json:"bytes_out"`
	DialRetries       int64  `json:"dial_retries"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		SessionsActive:    c.sessionsActive.Load(),
		SessionsTotal:     c.sessionsTotal.Load(),
		RecordsWritten:    c.recordsWritten.Load(),
		RecordsSkipped:    c.recordsSkipped.Load(),
		ArtifactBytes:     c.artifactBytes.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		DialRetries:       c.dialRetries.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
