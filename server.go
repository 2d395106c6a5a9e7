package sniproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	acceptBacklog    = 1024
	drainTimeout     = 30 * time.Second
	persistInterval  = 5 * time.Minute
)

// Server runs the accept loop, the admission gate, and the periodic
// background tasks, and coordinates graceful shutdown.
type Server struct {
	Config   *Config
	Matcher  *HostnameMatcher
	DnsCache *DnsCache
	Metrics  *Metrics
	Tracker  *IpTrafficTracker
	Shutdown *ShutdownSignal
	Logger   zerolog.Logger

	admission chan struct{}
}

// NewServer wires the shared collaborators into a Server ready to Run.
func NewServer(cfg *Config, logger zerolog.Logger) *Server {
	metrics := NewMetrics()
	return &Server{
		Config:    cfg,
		Matcher:   cfg.Matcher,
		DnsCache:  NewDnsCache(DnsCacheConfig{Size: cfg.DnsCacheSize, TTL: cfg.DnsCacheTTL, Timeout: cfg.DnsTimeout, Workers: cfg.DnsResolverWorkers}, metrics),
		Metrics:   metrics,
		Tracker:   NewIpTrafficTracker(cfg.IPTracking.MaxTrackedIPs, cfg.IPTracking.OutputFile, cfg.IPTracking.PersistenceFile),
		Shutdown:  NewShutdownSignal(),
		Logger:    logger,
		admission: make(chan struct{}, cfg.MaxConnections),
	}
}

// Run binds the listen address, accepts connections until shutdown,
// drains active workers, and returns once shutdown has completed
// cleanly (nil) or a fatal startup error occurred.
func (s *Server) Run() error {
	ln, err := s.listen()
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	defer ln.Close()

	s.Logger.Info().Str("addr", s.Config.ListenAddr).Int("backlog_target", acceptBacklog).Msg("listening")

	var metricsSrv *http.Server
	if s.Config.Metrics != nil && s.Config.Metrics.ListenAddr != "" {
		metricsSrv = s.startMetricsServer()
	}

	workers := &workerTracker{}

	go s.watchShutdown(ln)
	go s.periodicTasks()

	acceptErr := s.acceptLoop(ln, workers)

	workers.waitWithDeadline(drainTimeout, func() {
		s.Logger.Warn().Msg("drain timeout exceeded; forcing shutdown")
	})

	if err := s.Tracker.Persist(); err != nil {
		s.Logger.Warn().Err(err).Msg("final ip traffic persist failed")
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	if acceptErr != nil && !errors.Is(acceptErr, net.ErrClosed) {
		return acceptErr
	}
	return nil
}

// listen binds Config.ListenAddr, sets SO_REUSEADDR implicitly via
// net.ListenConfig's platform default, and wraps the listener in a
// PROXY-protocol-aware reader when TrustProxyProtocol is set.
func (s *Server) listen() (net.Listener, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", s.Config.ListenAddr)
	if err != nil {
		return nil, err
	}
	if tl, ok := ln.(*net.TCPListener); ok {
		ln = tcpKeepaliveListener{tl}
	}
	if s.Config.TrustProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	return ln, nil
}

type tcpKeepaliveListener struct{ *net.TCPListener }

func (l tcpKeepaliveListener) Accept() (net.Conn, error) {
	conn, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetNoDelay(true)
	return conn, nil
}

// acceptLoop acquires an admission permit, accepts a connection, and
// spawns a worker holding that permit. When the gate is saturated,
// Accept naturally backs up against the OS accept queue rather than
// dropping connections.
func (s *Server) acceptLoop(ln net.Listener, workers *workerTracker) error {
	for {
		select {
		case s.admission <- struct{}{}:
		case <-s.Shutdown.Done():
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			<-s.admission
			if s.Shutdown.IsSet() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.Logger.Warn().Err(err).Msg("transient accept failure")
				continue
			}
			return err
		}

		workers.add()
		go func() {
			defer workers.done1()
			released := false
			release := func() {
				if !released {
					released = true
					<-s.admission
				}
			}
			peerAddr := conn.RemoteAddr().String()
			HandleConnection(&HandlerDeps{
				Config:   s.Config,
				Matcher:  s.Matcher,
				DnsCache: s.DnsCache,
				Metrics:  s.Metrics,
				Tracker:  s.Tracker,
				Shutdown: s.Shutdown,
				Logger:   s.Logger,
			}, conn, peerAddr, release)
		}()
	}
}

// watchShutdown observes ctx-external termination: it is woken by
// Shutdown.Trigger (invoked by signal handling in cmd/sni-proxy) and
// stops the listener so acceptLoop unblocks immediately.
func (s *Server) watchShutdown(ln net.Listener) {
	<-s.Shutdown.Done()
	s.Logger.Info().Msg("shutdown signal observed; closing listener")
	ln.Close()
}

// periodicTasks runs the print/persist cadence and the unconditional
// 5-minute persistence cadence, both cancelled by shutdown.
func (s *Server) periodicTasks() {
	var printTicker *time.Ticker
	if s.Config.IPTracking.Enabled && s.Config.IPTracking.PrintIntervalSecs > 0 {
		printTicker = time.NewTicker(time.Duration(s.Config.IPTracking.PrintIntervalSecs) * time.Second)
		defer printTicker.Stop()
	}
	persistTicker := time.NewTicker(persistInterval)
	defer persistTicker.Stop()

	var printCh, persistCh <-chan time.Time
	if printTicker != nil {
		printCh = printTicker.C
	}
	persistCh = persistTicker.C

	for {
		select {
		case <-s.Shutdown.Done():
			return
		case <-printCh:
			s.logSummary()
			if err := s.Tracker.Persist(); err != nil {
				s.Logger.Warn().Err(err).Msg("periodic ip traffic persist failed")
			}
		case <-persistCh:
			if err := s.Tracker.Persist(); err != nil {
				s.Logger.Warn().Err(err).Msg("unconditional ip traffic persist failed")
			}
		}
	}
}

func (s *Server) logSummary() {
	snap := s.Metrics.Snapshot()
	s.Logger.Info().
		Uint64("total_connections", snap.TotalConnections).
		Int64("active_connections", snap.ActiveConnections).
		Uint64("failed_connections", snap.FailedConnections).
		Uint64("direct_requests", snap.DirectRequests).
		Uint64("socks5_requests", snap.Socks5Requests).
		Uint64("rejected_requests", snap.RejectedRequests).
		Float64("dns_hit_ratio", snap.DnsHitRatio).
		Dur("uptime", snap.Uptime).
		Msg("metrics summary")

	top := s.Tracker.Snapshot()
	if len(top) > 10 {
		top = top[:10]
	}
	for _, rec := range top {
		s.Logger.Info().
			Str("ip", rec.IP).
			Uint64("bytes_received", rec.BytesReceived).
			Uint64("bytes_sent", rec.BytesSent).
			Uint64("connections", rec.Connections).
			Msg("ip traffic")
	}
}

// startMetricsServer starts the optional admin HTTP listener exposing
// /metrics (Prometheus exposition) and /healthz.
func (s *Server) startMetricsServer() *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(s.Metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.Shutdown.IsSet() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: s.Config.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}

// workerTracker counts in-flight connection workers and supports
// waiting for them to drain with a deadline. The count is atomic
// because it is written from the accept loop and every worker
// goroutine concurrently.
type workerTracker struct {
	n atomic.Int64
}

func (w *workerTracker) add()    { w.n.Add(1) }
func (w *workerTracker) done1()  { w.n.Add(-1) }

// waitWithDeadline polls the worker count until it reaches zero or
// timeout elapses, at which point onTimeout is invoked and the wait
// returns regardless of remaining workers (they are not terminated;
// only workers that had reached the splice phase had their sockets
// closed by splice's shutdown watcher).
func (w *workerTracker) waitWithDeadline(timeout time.Duration, onTimeout func()) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.n.Load() <= 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if w.n.Load() > 0 {
		onTimeout()
	}
}
