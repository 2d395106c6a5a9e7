package sniproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	peekTimeout     = 3 * time.Second
	peekCap         = 16 * 1024
	connectTimeout  = 10 * time.Second
	spliceBufSize   = 16 * 1024
	spliceIdleTimeout = 5 * time.Minute
	targetTLSPort   = 443
)

// HandlerDeps bundles the shared, read-only collaborators a
// Connection Handler needs. All fields are safe for concurrent use by
// many handlers at once.
type HandlerDeps struct {
	Config   *Config
	Matcher  *HostnameMatcher
	DnsCache *DnsCache
	Metrics  *Metrics
	Tracker  *IpTrafficTracker
	Shutdown *ShutdownSignal
	Logger   zerolog.Logger
}

// HandleConnection orchestrates one inbound connection end-to-end. It
// never panics out to its caller: any uncaught failure in the worker
// is converted into a FailedConnections increment and an error log.
// client is closed and the admission permit released on every path.
func HandleConnection(deps *HandlerDeps, client net.Conn, peerAddr string, release func()) {
	defer release()
	defer func() {
		if r := recover(); r != nil {
			deps.Metrics.IncFailedConnections()
			deps.Logger.Error().Interface("panic", r).Str("peer", peerAddr).Msg("connection worker panicked")
		}
	}()
	defer client.Close()

	deps.Metrics.IncTotalConnections()
	deps.Metrics.IncActiveConnections()
	defer deps.Metrics.DecActiveConnections()

	fsm := NewConnStateMachine()
	log := deps.Logger.With().Str("peer", peerAddr).Str("conn_id", uuid.NewString()).Logger()

	peerIP := hostOf(peerAddr)

	// Phase 1: optional source-IP filter.
	if deps.Config.IPWhitelist != nil {
		if _, ok := deps.Config.IPWhitelist[peerIP]; !ok {
			deps.Metrics.IncRejectedRequests()
			log.Debug().Msg("rejected: peer not in ip_whitelist")
			fsm.Transition(StateClosed)
			return
		}
	}

	if deps.Config.IPTracking.Enabled {
		deps.Tracker.Register(peerIP)
	}

	// Phase 2: peek the ClientHello.
	fsm.Transition(StateAwaitingClientHello)
	hello, hostname, err := peekClientHello(client)
	if err != nil {
		deps.Metrics.IncSniParseErrors()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			deps.Metrics.IncConnectionTimeouts()
		}
		log.Debug().Err(err).Msg("sni parse failed")
		fsm.Transition(StateClosed)
		return
	}

	// Phase 3: classify.
	fsm.Transition(StateClassified)
	decision := deps.Matcher.Classify(hostname)
	log = log.With().Str("sni", hostname).Str("decision", decision.String()).Logger()
	if decision == Reject {
		deps.Metrics.IncRejectedRequests()
		log.Debug().Msg("rejected by hostname policy")
		fsm.Transition(StateClosed)
		return
	}

	// Phase 4: dial outbound.
	fsm.Transition(StateDialing)
	outbound, err := dialOutbound(deps, hostname, decision)
	if err != nil {
		fsm.Transition(StateClosed)
		log.Debug().Err(err).Msg("outbound dial failed")
		return
	}
	defer outbound.Close()

	switch decision {
	case Direct:
		deps.Metrics.IncDirectRequests()
	case Socks5:
		deps.Metrics.IncSocks5Requests()
	}

	// Phase 5: flush the peeked bytes before splicing.
	fsm.Transition(StateStreaming)
	if _, err := outbound.Write(hello); err != nil {
		log.Debug().Err(err).Msg("failed flushing peeked client hello")
		fsm.Transition(StateClosed)
		return
	}

	// Phase 6: splice.
	splice(deps, client, outbound, peerIP, log)
	fsm.Transition(StateClosed)

	log.Debug().Msg("connection finished")
}

// peekClientHello reads from client until ExtractSNI returns either a
// hostname or a non-Incomplete error, capped at peekCap bytes and a
// single overall deadline. The full bytes read (the eventual
// ClientHello plus anything trailing that arrived in the same reads)
// are returned so they can be flushed to the outbound socket verbatim.
func peekClientHello(client net.Conn) ([]byte, string, error) {
	if err := client.SetReadDeadline(time.Now().Add(peekTimeout)); err != nil {
		return nil, "", err
	}
	defer client.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		hostname, err := ExtractSNI(buf)
		if err == nil {
			return buf, hostname, nil
		}
		if !IsIncomplete(err) {
			return nil, "", err
		}
		if len(buf) >= peekCap {
			return nil, "", sniErr(Malformed)
		}
		n, rerr := client.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			return nil, "", rerr
		}
	}
}

// dialOutbound establishes the outbound socket for a Direct or Socks5
// decision.
func dialOutbound(deps *HandlerDeps, hostname string, decision Decision) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	switch decision {
	case Socks5:
		var creds *Socks5Credentials
		if deps.Config.Socks5.Username != nil {
			creds = &Socks5Credentials{Username: *deps.Config.Socks5.Username, Password: *deps.Config.Socks5.Password}
		}
		conn, err := DialSocks5(ctx, deps.Config.Socks5.Addr, creds, hostname, targetTLSPort)
		if err != nil {
			deps.Metrics.IncSocks5Errors()
			var se *Socks5Error
			if errors.As(err, &se) && se.Kind == Socks5Timeout {
				deps.Metrics.IncConnectionTimeouts()
			}
			return nil, err
		}
		return conn, nil
	default:
		return dialDirect(ctx, deps, hostname)
	}
}

// dialDirect resolves hostname via the DNS cache and attempts every
// returned address in order, with the 10s connect timeout amortized
// across all attempts.
func dialDirect(ctx context.Context, deps *HandlerDeps, hostname string) (net.Conn, error) {
	ips, err := deps.DnsCache.Resolve(ctx, hostname)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			deps.Metrics.IncConnectionTimeouts()
		}
		return nil, fmt.Errorf("dns: %w", err)
	}
	if len(ips) == 0 {
		return nil, errors.New("dns: no addresses returned")
	}

	var lastErr error
	dialer := net.Dialer{}
	for _, ip := range ips {
		select {
		case <-ctx.Done():
			deps.Metrics.IncConnectionTimeouts()
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		default:
		}
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(targetTLSPort))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
			enableTFO(tcpConn, deps.Logger) // best-effort; failures are logged by enableTFO itself
		}
		return conn, nil
	}
	if lastErr == nil {
		lastErr = errors.New("dns: all dial attempts failed")
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		deps.Metrics.IncConnectionTimeouts()
	}
	return nil, lastErr
}

// splice concurrently copies client<->outbound in both directions,
// feeding every transferred chunk to Metrics and the IpTrafficTracker.
// When either half reaches EOF or a reset, the write side of the
// socket it was writing to is closed and the other half keeps draining
// until EOF or a per-side idle timeout. On shutdown, both sockets are
// closed at once; in-flight data is not drained.
func splice(deps *HandlerDeps, client, outbound net.Conn, peerIP string, log zerolog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copySide(client, outbound, spliceIdleTimeout, func(n int) {
			deps.Metrics.AddBytesOut(uint64(n))
			if deps.Config.IPTracking.Enabled {
				deps.Tracker.AddSent(peerIP, uint64(n))
			}
		}, deps.Metrics.IncConnectionTimeouts)
		closeWrite(client)
	}()
	go func() {
		defer wg.Done()
		copySide(outbound, client, spliceIdleTimeout, func(n int) {
			deps.Metrics.AddBytesIn(uint64(n))
			if deps.Config.IPTracking.Enabled {
				deps.Tracker.AddReceived(peerIP, uint64(n))
			}
		}, deps.Metrics.IncConnectionTimeouts)
		closeWrite(outbound)
	}()

	shutdownWatch := make(chan struct{})
	go func() {
		select {
		case <-deps.Shutdown.Done():
			client.Close()
			outbound.Close()
		case <-shutdownWatch:
		}
	}()

	wg.Wait()
	close(shutdownWatch)
}

// copySide copies from src to dst in spliceBufSize chunks, invoking
// onChunk after every successful write, until EOF, an error, or idle
// exceeds timeout. onIdleTimeout is invoked once if the side is closed
// by its own idle deadline rather than EOF or a reset.
func copySide(dst io.Writer, src net.Conn, timeout time.Duration, onChunk func(int), onIdleTimeout func()) {
	buf := make([]byte, spliceBufSize)
	for {
		src.SetReadDeadline(time.Now().Add(timeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			onChunk(n)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				onIdleTimeout()
			}
			return
		}
	}
}

func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
