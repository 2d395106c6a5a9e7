package sniproxy

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndRatio(t *testing.T) {
	m := NewMetrics()
	m.IncTotalConnections()
	m.IncTotalConnections()
	m.IncActiveConnections()
	m.IncFailedConnections()
	m.IncDirectRequests()
	m.IncSocks5Requests()
	m.IncRejectedRequests()
	m.AddBytesIn(100)
	m.AddBytesOut(50)
	m.IncDnsCacheHits()
	m.IncDnsCacheHits()
	m.IncDnsCacheHits()
	m.IncDnsCacheMisses()

	snap := m.Snapshot()
	require.EqualValues(t, 2, snap.TotalConnections)
	require.EqualValues(t, 1, snap.ActiveConnections)
	require.EqualValues(t, 1, snap.FailedConnections)
	require.EqualValues(t, 100, snap.BytesIn)
	require.EqualValues(t, 50, snap.BytesOut)
	require.InDelta(t, 0.75, snap.DnsHitRatio, 0.0001)

	m.DecActiveConnections()
	require.EqualValues(t, 0, m.Snapshot().ActiveConnections)
}

func TestMetrics_DnsHitRatioWithNoLookups(t *testing.T) {
	m := NewMetrics()
	require.Zero(t, m.Snapshot().DnsHitRatio)
}

func TestMetrics_CollectorRegisters(t *testing.T) {
	m := NewMetrics()
	m.IncTotalConnections()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(m))

	count, err := testutil.GatherAndCount(reg, "sniproxy_connections_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
