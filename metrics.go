package sniproxy

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds process-wide atomic counters. Every field is updated
// with sync/atomic from arbitrary goroutines; nothing here ever takes
// a lock. active_connections is the only counter that is ever
// decremented.
type Metrics struct {
	startedAt time.Time

	totalConnections  atomic.Uint64
	activeConnections atomic.Int64
	failedConnections atomic.Uint64
	directRequests    atomic.Uint64
	socks5Requests    atomic.Uint64
	rejectedRequests  atomic.Uint64
	bytesIn           atomic.Uint64
	bytesOut          atomic.Uint64
	dnsCacheHits      atomic.Uint64
	dnsCacheMisses    atomic.Uint64
	sniParseErrors    atomic.Uint64
	socks5Errors      atomic.Uint64
	connectionTimeouts atomic.Uint64
}

// NewMetrics returns a zeroed counter set with its uptime clock
// started now.
func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) IncTotalConnections()   { m.totalConnections.Add(1) }
func (m *Metrics) IncActiveConnections()  { m.activeConnections.Add(1) }
func (m *Metrics) DecActiveConnections()  { m.activeConnections.Add(-1) }
func (m *Metrics) IncFailedConnections()  { m.failedConnections.Add(1) }
func (m *Metrics) IncDirectRequests()     { m.directRequests.Add(1) }
func (m *Metrics) IncSocks5Requests()     { m.socks5Requests.Add(1) }
func (m *Metrics) IncRejectedRequests()   { m.rejectedRequests.Add(1) }
func (m *Metrics) AddBytesIn(n uint64)    { m.bytesIn.Add(n) }
func (m *Metrics) AddBytesOut(n uint64)   { m.bytesOut.Add(n) }
func (m *Metrics) IncDnsCacheHits()       { m.dnsCacheHits.Add(1) }
func (m *Metrics) IncDnsCacheMisses()     { m.dnsCacheMisses.Add(1) }
func (m *Metrics) IncSniParseErrors()     { m.sniParseErrors.Add(1) }
func (m *Metrics) IncSocks5Errors()       { m.socks5Errors.Add(1) }
func (m *Metrics) IncConnectionTimeouts() { m.connectionTimeouts.Add(1) }

// Snapshot is a point-in-time, allocation-free copy of every counter
// plus derived values computed at read time.
type Snapshot struct {
	TotalConnections   uint64
	ActiveConnections  int64
	FailedConnections  uint64
	DirectRequests     uint64
	Socks5Requests     uint64
	RejectedRequests   uint64
	BytesIn            uint64
	BytesOut           uint64
	DnsCacheHits       uint64
	DnsCacheMisses     uint64
	SniParseErrors     uint64
	Socks5Errors       uint64
	ConnectionTimeouts uint64
	Uptime             time.Duration
	DnsHitRatio        float64
}

// Snapshot reads every counter and computes derived values. It never
// blocks on the hot path's writers.
func (m *Metrics) Snapshot() Snapshot {
	hits := m.dnsCacheHits.Load()
	misses := m.dnsCacheMisses.Load()
	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Snapshot{
		TotalConnections:   m.totalConnections.Load(),
		ActiveConnections:  m.activeConnections.Load(),
		FailedConnections:  m.failedConnections.Load(),
		DirectRequests:     m.directRequests.Load(),
		Socks5Requests:     m.socks5Requests.Load(),
		RejectedRequests:   m.rejectedRequests.Load(),
		BytesIn:            m.bytesIn.Load(),
		BytesOut:           m.bytesOut.Load(),
		DnsCacheHits:       hits,
		DnsCacheMisses:     misses,
		SniParseErrors:     m.sniParseErrors.Load(),
		Socks5Errors:       m.socks5Errors.Load(),
		ConnectionTimeouts: m.connectionTimeouts.Load(),
		Uptime:             time.Since(m.startedAt),
		DnsHitRatio:        ratio,
	}
}

// Descriptors for the prometheus.Collector exposition. Each one reads
// straight from the atomic fields at scrape time; scraping never
// contends with the splice hot path.
var (
	descTotalConnections = prometheus.NewDesc("sniproxy_connections_total", "Total accepted connections.", nil, nil)
	descActiveConnections = prometheus.NewDesc("sniproxy_connections_active", "Currently active connections.", nil, nil)
	descFailedConnections = prometheus.NewDesc("sniproxy_connections_failed_total", "Connections that failed via a panic or unrecoverable error.", nil, nil)
	descDirectRequests    = prometheus.NewDesc("sniproxy_requests_direct_total", "Requests dispatched directly to origin.", nil, nil)
	descSocks5Requests    = prometheus.NewDesc("sniproxy_requests_socks5_total", "Requests dispatched via the SOCKS5 upstream.", nil, nil)
	descRejectedRequests  = prometheus.NewDesc("sniproxy_requests_rejected_total", "Requests rejected by hostname policy.", nil, nil)
	descBytesIn           = prometheus.NewDesc("sniproxy_bytes_in_total", "Bytes read from clients.", nil, nil)
	descBytesOut          = prometheus.NewDesc("sniproxy_bytes_out_total", "Bytes written to clients.", nil, nil)
	descDnsCacheHits      = prometheus.NewDesc("sniproxy_dns_cache_hits_total", "DNS cache hits.", nil, nil)
	descDnsCacheMisses    = prometheus.NewDesc("sniproxy_dns_cache_misses_total", "DNS cache misses.", nil, nil)
	descSniParseErrors    = prometheus.NewDesc("sniproxy_sni_parse_errors_total", "ClientHello parse failures.", nil, nil)
	descSocks5Errors      = prometheus.NewDesc("sniproxy_socks5_errors_total", "SOCKS5 handshake failures.", nil, nil)
	descConnectionTimeouts = prometheus.NewDesc("sniproxy_connection_timeouts_total", "Per-step I/O timeouts.", nil, nil)
	descUptime            = prometheus.NewDesc("sniproxy_uptime_seconds", "Seconds since process start.", nil, nil)
)

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- descTotalConnections
	ch <- descActiveConnections
	ch <- descFailedConnections
	ch <- descDirectRequests
	ch <- descSocks5Requests
	ch <- descRejectedRequests
	ch <- descBytesIn
	ch <- descBytesOut
	ch <- descDnsCacheHits
	ch <- descDnsCacheMisses
	ch <- descSniParseErrors
	ch <- descSocks5Errors
	ch <- descConnectionTimeouts
	ch <- descUptime
}

// Collect implements prometheus.Collector, reading a fresh Snapshot.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Snapshot()
	ch <- prometheus.MustNewConstMetric(descTotalConnections, prometheus.CounterValue, float64(s.TotalConnections))
	ch <- prometheus.MustNewConstMetric(descActiveConnections, prometheus.GaugeValue, float64(s.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(descFailedConnections, prometheus.CounterValue, float64(s.FailedConnections))
	ch <- prometheus.MustNewConstMetric(descDirectRequests, prometheus.CounterValue, float64(s.DirectRequests))
	ch <- prometheus.MustNewConstMetric(descSocks5Requests, prometheus.CounterValue, float64(s.Socks5Requests))
	ch <- prometheus.MustNewConstMetric(descRejectedRequests, prometheus.CounterValue, float64(s.RejectedRequests))
	ch <- prometheus.MustNewConstMetric(descBytesIn, prometheus.CounterValue, float64(s.BytesIn))
	ch <- prometheus.MustNewConstMetric(descBytesOut, prometheus.CounterValue, float64(s.BytesOut))
	ch <- prometheus.MustNewConstMetric(descDnsCacheHits, prometheus.CounterValue, float64(s.DnsCacheHits))
	ch <- prometheus.MustNewConstMetric(descDnsCacheMisses, prometheus.CounterValue, float64(s.DnsCacheMisses))
	ch <- prometheus.MustNewConstMetric(descSniParseErrors, prometheus.CounterValue, float64(s.SniParseErrors))
	ch <- prometheus.MustNewConstMetric(descSocks5Errors, prometheus.CounterValue, float64(s.Socks5Errors))
	ch <- prometheus.MustNewConstMetric(descConnectionTimeouts, prometheus.CounterValue, float64(s.ConnectionTimeouts))
	ch <- prometheus.MustNewConstMetric(descUptime, prometheus.GaugeValue, s.Uptime.Seconds())
}
