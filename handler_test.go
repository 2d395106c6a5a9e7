package sniproxy

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestHostOf(t *testing.T) {
	require.Equal(t, "1.2.3.4", hostOf("1.2.3.4:5678"))
	require.Equal(t, "not-an-addr", hostOf("not-an-addr"))
}

func TestPeekClientHello_ReturnsFullBytesAndHostname(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	record := buildClientHello(t, "peek.example.com")
	go func() {
		client.Write(record)
	}()

	buf, host, err := peekClientHello(server)
	require.NoError(t, err)
	require.Equal(t, "peek.example.com", host)
	require.Equal(t, record, buf)
}

func TestPeekClientHello_NotHandshakeFailsFast(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		client.Write([]byte{0x17, 0x03, 0x01, 0x00, 0x05, 1, 2, 3, 4, 5})
	}()

	_, _, err := peekClientHello(server)
	require.Error(t, err)
	var se *SniError
	require.ErrorAs(t, err, &se)
	require.Equal(t, NotHandshake, se.Kind)
}

func TestPeekClientHello_TimesOutOnSilentClient(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := peekClientHello(server)
		require.Error(t, err)
	}()

	select {
	case <-done:
	case <-time.After(peekTimeout + 2*time.Second):
		t.Fatal("peekClientHello did not honor its read deadline")
	}
}

func TestHandleConnection_RejectsUnlistedHostname(t *testing.T) {
	deps := newTestDeps(t, []string{"allowed.example.com"}, nil)

	client, server := net.Pipe()
	defer client.Close()

	record := buildClientHello(t, "blocked.example.com")
	go func() { client.Write(record) }()

	released := make(chan struct{})
	HandleConnection(deps, server, "10.0.0.5:1234", func() { close(released) })

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("release was never called")
	}
	require.EqualValues(t, 1, deps.Metrics.Snapshot().RejectedRequests)
}

func TestHandleConnection_RejectsIPNotInWhitelist(t *testing.T) {
	deps := newTestDeps(t, []string{"allowed.example.com"}, nil)
	deps.Config.IPWhitelist = map[string]struct{}{"9.9.9.9": {}}

	client, server := net.Pipe()
	defer client.Close()

	released := make(chan struct{})
	HandleConnection(deps, server, "10.0.0.5:1234", func() { close(released) })

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("release was never called")
	}
	require.EqualValues(t, 1, deps.Metrics.Snapshot().RejectedRequests)
	require.EqualValues(t, 1, deps.Metrics.Snapshot().TotalConnections)
}

func TestHandleConnection_PeekTimeoutCountsConnectionTimeout(t *testing.T) {
	deps := newTestDeps(t, []string{"allowed.example.com"}, nil)

	client, server := net.Pipe()
	defer client.Close()

	released := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		HandleConnection(deps, server, "10.0.0.5:1234", func() { close(released) })
	}()

	select {
	case <-done:
	case <-time.After(peekTimeout + 2*time.Second):
		t.Fatal("HandleConnection did not return after a silent client timed out")
	}
	require.EqualValues(t, 1, deps.Metrics.Snapshot().ConnectionTimeouts)
}

func newTestDeps(t *testing.T, direct, socks5 []string) *HandlerDeps {
	t.Helper()
	metrics := NewMetrics()
	return &HandlerDeps{
		Config: &Config{
			Matcher:    NewHostnameMatcher(direct, socks5),
			IPTracking: IpTrafficTrackingConfig{Enabled: false},
		},
		Matcher:  NewHostnameMatcher(direct, socks5),
		DnsCache: NewDnsCache(DnsCacheConfig{Size: 10, TTL: time.Minute, Timeout: time.Second}, metrics),
		Metrics:  metrics,
		Tracker:  NewIpTrafficTracker(10, "", ""),
		Shutdown: NewShutdownSignal(),
		Logger:   zerolog.Nop(),
	}
}
