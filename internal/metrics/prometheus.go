package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metric descriptor indices and descriptor table.
const (
	connectionsActiveDesc = iota
	connectionsTotalDesc
	sessionsActiveDesc
	sessionsTotalDesc
	recordsWrittenDesc
	recordsSkippedDesc
	artifactBytesDesc
	relayBytesDesc
	dialRetriesDesc
	errorsTotalDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	connectionsActiveDesc: prometheus.NewDesc(
		"pktlog_connections_active",
		"Client connections currently relayed.",
		nil, nil,
	),
	connectionsTotalDesc: prometheus.NewDesc(
		"pktlog_connections_total",
		"Client connections accepted since start.",
		nil, nil,
	),
	sessionsActiveDesc: prometheus.NewDesc(
		"pktlog_sessions_active",
		"Recorded sessions with an open artifact.",
		nil, nil,
	),
	sessionsTotalDesc: prometheus.NewDesc(
		"pktlog_sessions_total",
		"Sessions recorded since start.",
		nil, nil,
	),
	recordsWrittenDesc: prometheus.NewDesc(
		"pktlog_records_written_total",
		"Message records appended to artifacts.",
		nil, nil,
	),
	recordsSkippedDesc: prometheus.NewDesc(
		"pktlog_records_skipped_total",
		"Messages on recorded sessions denied by the packet filter.",
		nil, nil,
	),
	artifactBytesDesc: prometheus.NewDesc(
		"pktlog_artifact_bytes_total",
		"Bytes of record text written to artifacts, before compression.",
		nil, nil,
	),
	relayBytesDesc: prometheus.NewDesc(
		"pktlog_relay_bytes_total",
		"Bytes forwarded by the relay.",
		[]string{"direction"}, nil,
	),
	dialRetriesDesc: prometheus.NewDesc(
		"pktlog_dial_retries_total",
		"Upstream dial attempts that failed and were retried.",
		nil, nil,
	),
	errorsTotalDesc: prometheus.NewDesc(
		"pktlog_errors_total",
		"Errors recorded by the relay and the session manager.",
		nil, nil,
	),
}

type collector struct {
	c *Collector
}

// NewPrometheusCollector exposes c through the Prometheus client.
// The values are read from c at scrape time.
func NewPrometheusCollector(c *Collector) prometheus.Collector {
	return &collector{c: c}
}

// Describe implements prometheus.Collector interface
func (p *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (p *collector) Collect(ch chan<- prometheus.Metric) {
	s := p.c.Snapshot()

	gauge := func(idx int, v int64) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.GaugeValue, float64(v))
	}
	counter := func(idx int, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.CounterValue, float64(v), labels...)
	}

	gauge(connectionsActiveDesc, s.ConnectionsActive)
	counter(connectionsTotalDesc, s.ConnectionsTotal)
	gauge(sessionsActiveDesc, s.SessionsActive)
	counter(sessionsTotalDesc, s.SessionsTotal)
	counter(recordsWrittenDesc, s.RecordsWritten)
	counter(recordsSkippedDesc, s.RecordsSkipped)
	counter(artifactBytesDesc, s.ArtifactBytes)
	counter(relayBytesDesc, s.BytesIn, "client_to_server")
	counter(relayBytesDesc, s.BytesOut, "server_to_client")
	counter(dialRetriesDesc, s.DialRetries)
	counter(errorsTotalDesc, s.ErrorsTotal)
}
