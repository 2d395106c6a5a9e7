package sniproxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level         string `json:"level"`
	Output        string `json:"output"`
	FilePath      string `json:"file_path"`
	EnableRotation bool   `json:"enable_rotation"`
	MaxSizeMB     int    `json:"max_size_mb"`
	MaxBackups    int    `json:"max_backups"`
	ShowTimestamp bool   `json:"show_timestamp"`
	ShowModule    bool   `json:"show_module"`
	UseColor      bool   `json:"use_color"`
}

// Socks5Config names the upstream SOCKS5 endpoint and optional
// credentials. Username and Password are either both present or both
// absent (invariant C3).
type Socks5Config struct {
	Addr     string  `json:"addr"`
	Username *string `json:"username"`
	Password *string `json:"password"`
}

// IpTrafficTrackingConfig controls the IP Traffic Tracker.
type IpTrafficTrackingConfig struct {
	Enabled           bool   `json:"enabled"`
	MaxTrackedIPs     int    `json:"max_tracked_ips"`
	OutputFile        string `json:"output_file"`
	PersistenceFile   string `json:"persistence_file"`
	PrintIntervalSecs int    `json:"print_interval_secs"`
}

// MetricsConfig optionally starts a small admin HTTP listener serving
// /metrics and /healthz. Absent, no such listener runs.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// rawConfig mirrors the on-disk JSON document exactly; Load converts
// it into the immutable Config used by the rest of the program.
type rawConfig struct {
	ListenAddr      string                   `json:"listen_addr"`
	MaxConnections  int                      `json:"max_connections"`
	Whitelist       []string                 `json:"whitelist"`
	Socks5Whitelist []string                 `json:"socks5_whitelist"`
	Socks5          *Socks5Config            `json:"socks5"`
	IPWhitelist     []string                 `json:"ip_whitelist"`
	Log             LogConfig                `json:"log"`
	IPTracking      IpTrafficTrackingConfig  `json:"ip_traffic_tracking"`
	Metrics         *MetricsConfig           `json:"metrics"`
	TrustProxyProtocol bool                  `json:"trust_proxy_protocol"`
	DnsTimeoutSecs  int                      `json:"dns_timeout_secs"`
	DnsCacheSize    int                      `json:"dns_cache_size"`
	DnsCacheTTLSecs int                      `json:"dns_cache_ttl_secs"`
	DnsResolverWorkers int                   `json:"dns_resolver_workers"`
}

// Config is the immutable, validated configuration shared read-only
// by every component once the process starts.
type Config struct {
	ListenAddr         string
	MaxConnections     int
	Matcher            *HostnameMatcher
	Socks5             *Socks5Config
	IPWhitelist        map[string]struct{}
	Log                LogConfig
	IPTracking         IpTrafficTrackingConfig
	Metrics            *MetricsConfig
	TrustProxyProtocol bool
	DnsTimeout         time.Duration
	DnsCacheSize       int
	DnsCacheTTL        time.Duration
	DnsResolverWorkers int
}

// defaults applied before validation when the field is left zero.
func (r *rawConfig) applyDefaults() {
	if r.MaxConnections == 0 {
		r.MaxConnections = 10000
	}
	if r.Log.Level == "" {
		r.Log.Level = "info"
	}
	if r.Log.Output == "" {
		r.Log.Output = "stdout"
	}
	if r.IPTracking.MaxTrackedIPs == 0 {
		r.IPTracking.MaxTrackedIPs = 10000
	}
	if r.IPTracking.PrintIntervalSecs == 0 {
		r.IPTracking.PrintIntervalSecs = 60
	}
	if r.DnsTimeoutSecs == 0 {
		r.DnsTimeoutSecs = 2
	}
	if r.DnsCacheSize == 0 {
		r.DnsCacheSize = 4096
	}
	if r.DnsCacheTTLSecs == 0 {
		r.DnsCacheTTLSecs = 300
	}
	if r.DnsResolverWorkers == 0 {
		r.DnsResolverWorkers = defaultResolverWorkers
	}
}

// LoadConfig reads, parses and validates the JSON configuration
// document at path, creating any missing parent directories for its
// output paths. All violations are collected and returned together so
// an operator can fix a config file in one pass.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	var raw rawConfig
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	raw.applyDefaults()

	var problems []string
	problems = append(problems, validateStructure(&raw)...)
	if len(problems) > 0 {
		return nil, fmt.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}

	cfg := &Config{
		ListenAddr:         raw.ListenAddr,
		MaxConnections:     raw.MaxConnections,
		Matcher:            NewHostnameMatcher(raw.Whitelist, raw.Socks5Whitelist),
		Socks5:             raw.Socks5,
		Log:                raw.Log,
		IPTracking:         raw.IPTracking,
		Metrics:            raw.Metrics,
		TrustProxyProtocol: raw.TrustProxyProtocol,
		DnsTimeout:         time.Duration(raw.DnsTimeoutSecs) * time.Second,
		DnsCacheSize:       raw.DnsCacheSize,
		DnsCacheTTL:        time.Duration(raw.DnsCacheTTLSecs) * time.Second,
		DnsResolverWorkers: raw.DnsResolverWorkers,
	}
	if len(raw.IPWhitelist) > 0 {
		cfg.IPWhitelist = make(map[string]struct{}, len(raw.IPWhitelist))
		for _, ip := range raw.IPWhitelist {
			cfg.IPWhitelist[ip] = struct{}{}
		}
	}
	return cfg, nil
}

// validateStructure implements invariants C1-C3 plus structural
// sanity: parseable addresses, positive bounds, writable output paths.
func validateStructure(raw *rawConfig) []string {
	var problems []string

	if raw.ListenAddr == "" {
		problems = append(problems, "listen_addr must be set")
	} else if _, _, err := net.SplitHostPort(raw.ListenAddr); err != nil {
		problems = append(problems, fmt.Sprintf("listen_addr %q: %v", raw.ListenAddr, err))
	}

	if raw.MaxConnections <= 0 {
		problems = append(problems, "max_connections must be > 0")
	}

	// C1: at least one allow-list non-empty.
	if len(raw.Whitelist) == 0 && len(raw.Socks5Whitelist) == 0 {
		problems = append(problems, "at least one of whitelist or socks5_whitelist must be non-empty")
	}

	// C2: socks5_whitelist non-empty implies a socks5 endpoint is configured.
	if len(raw.Socks5Whitelist) > 0 && raw.Socks5 == nil {
		problems = append(problems, "socks5_whitelist is set but no socks5 endpoint is configured")
	}

	if raw.Socks5 != nil {
		if raw.Socks5.Addr == "" {
			problems = append(problems, "socks5.addr must be set")
		} else if _, _, err := net.SplitHostPort(raw.Socks5.Addr); err != nil {
			problems = append(problems, fmt.Sprintf("socks5.addr %q: %v", raw.Socks5.Addr, err))
		}
		// C3: credentials either both present or both absent.
		if (raw.Socks5.Username == nil) != (raw.Socks5.Password == nil) {
			problems = append(problems, "socks5 username and password must both be set or both be absent")
		}
	}

	for _, ip := range raw.IPWhitelist {
		if net.ParseIP(ip) == nil {
			problems = append(problems, fmt.Sprintf("ip_whitelist entry %q is not a valid IP", ip))
		}
	}

	switch raw.Log.Level {
	case "off", "error", "warn", "info", "debug", "trace":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of off,error,warn,info,debug,trace", raw.Log.Level))
	}
	switch raw.Log.Output {
	case "stdout", "file", "both":
	default:
		problems = append(problems, fmt.Sprintf("log.output %q is not one of stdout,file,both", raw.Log.Output))
	}
	if (raw.Log.Output == "file" || raw.Log.Output == "both") && raw.Log.FilePath == "" {
		problems = append(problems, "log.file_path must be set when log.output is file or both")
	} else if raw.Log.FilePath != "" {
		if err := ensureWritableDir(raw.Log.FilePath); err != nil {
			problems = append(problems, fmt.Sprintf("log.file_path: %v", err))
		}
	}

	if raw.IPTracking.Enabled {
		if raw.IPTracking.MaxTrackedIPs <= 0 {
			problems = append(problems, "ip_traffic_tracking.max_tracked_ips must be > 0")
		}
		if raw.IPTracking.OutputFile != "" {
			if err := ensureWritableDir(raw.IPTracking.OutputFile); err != nil {
				problems = append(problems, fmt.Sprintf("ip_traffic_tracking.output_file: %v", err))
			}
		}
		if raw.IPTracking.PersistenceFile != "" {
			if err := ensureWritableDir(raw.IPTracking.PersistenceFile); err != nil {
				problems = append(problems, fmt.Sprintf("ip_traffic_tracking.persistence_file: %v", err))
			}
		}
		if raw.IPTracking.PrintIntervalSecs <= 0 {
			problems = append(problems, "ip_traffic_tracking.print_interval_secs must be > 0")
		}
	}

	if raw.Metrics != nil && raw.Metrics.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(raw.Metrics.ListenAddr); err != nil {
			problems = append(problems, fmt.Sprintf("metrics.listen_addr %q: %v", raw.Metrics.ListenAddr, err))
		}
	}

	if raw.DnsTimeoutSecs < 0 || raw.DnsCacheSize < 0 || raw.DnsCacheTTLSecs < 0 || raw.DnsResolverWorkers < 0 {
		problems = append(problems, "dns_timeout_secs, dns_cache_size, dns_cache_ttl_secs and dns_resolver_workers must be >= 0")
	}

	return problems
}

// ensureWritableDir creates path's parent directory on demand and
// confirms it is writable.
func ensureWritableDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".sni-proxy-write-test")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	f.Close()
	os.Remove(probe)
	return nil
}
