package sniproxy

import (
	"context"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultResolverWorkers bounds the DNS resolver goroutine pool
// independent of max_connections: a burst of cache misses queues
// behind this fixed pool instead of spawning a goroutine per lookup,
// so a resolver storm cannot starve the connection admission gate.
const defaultResolverWorkers = 64

// dnsJob is one queued lookup; result is always buffered by 1 so a
// worker can deliver it even after the caller has given up and
// stopped listening.
type dnsJob struct {
	ctx    context.Context
	host   string
	result chan<- dnsResult
}

type dnsResult struct {
	ips []net.IP
	err error
}

// DnsCache resolves hostnames to IP addresses with bounded LRU + TTL
// caching. Lookups are case-insensitive and port-less. The cache is a
// single expirable LRU with no sharding layered on top, so every
// lookup goes through that LRU's one internal lock.
//
// Cache misses are dispatched onto a small fixed pool of resolver
// goroutines reading off a shared job queue, grounded on
// cr4zyvv-tailscale's DNS forwarder, which bounds concurrent
// DNS-over-HTTPS lookups with a `dohSem chan struct{}` counting
// semaphore rather than one goroutine per query. Here the same bound
// is expressed as a fixed worker pool so pool saturation queues new
// lookups behind the existing resolve timeout instead of piling up
// goroutines.
type DnsCache struct {
	cache   *lru.LRU[string, []net.IP]
	timeout time.Duration
	metrics *Metrics
	resolve func(ctx context.Context, host string) ([]net.IP, error)
	jobs    chan dnsJob
}

// DnsCacheConfig sizes the cache and its resolver worker pool.
type DnsCacheConfig struct {
	Size    int
	TTL     time.Duration
	Timeout time.Duration
	Workers int
}

// NewDnsCache builds a DnsCache backed by the system resolver and
// starts its fixed resolver worker pool.
func NewDnsCache(cfg DnsCacheConfig, metrics *Metrics) *DnsCache {
	if cfg.Size <= 0 {
		cfg.Size = 4096
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultResolverWorkers
	}
	d := &DnsCache{
		cache:   lru.NewLRU[string, []net.IP](cfg.Size, nil, cfg.TTL),
		timeout: cfg.Timeout,
		metrics: metrics,
		resolve: systemResolve,
		jobs:    make(chan dnsJob, cfg.Workers),
	}
	for i := 0; i < cfg.Workers; i++ {
		go d.resolverWorker()
	}
	return d
}

// resolverWorker is one of the fixed pool of goroutines started by
// NewDnsCache; it runs until the process exits, there being no
// drain/stop path since the cache outlives every connection.
func (d *DnsCache) resolverWorker() {
	for job := range d.jobs {
		ips, err := d.resolve(job.ctx, job.host)
		job.result <- dnsResult{ips: ips, err: err}
	}
}

func systemResolve(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// Resolve returns one or more IP addresses for hostname, consulting
// the cache first. A cache hit rotates the entry to most-recently-used
// position. On a miss, the lookup is queued onto the resolver worker
// pool under a bounded timeout and the result is cached; failures are
// never negatively cached. If every worker is busy, the lookup waits
// in the job queue rather than spawning a new goroutine, and still
// times out at d.timeout like any other resolve.
func (d *DnsCache) Resolve(ctx context.Context, hostname string) ([]net.IP, error) {
	key := strings.ToLower(hostname)

	if ips, ok := d.cache.Get(key); ok {
		d.metrics.IncDnsCacheHits()
		return ips, nil
	}
	d.metrics.IncDnsCacheMisses()

	rctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result := make(chan dnsResult, 1)
	select {
	case d.jobs <- dnsJob{ctx: rctx, host: key, result: result}:
	case <-rctx.Done():
		d.metrics.IncConnectionTimeouts()
		return nil, rctx.Err()
	}

	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		d.cache.Add(key, res.ips)
		return res.ips, nil
	case <-rctx.Done():
		d.metrics.IncConnectionTimeouts()
		return nil, rctx.Err()
	}
}
