package sniproxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const overflowKey = "__overflow__"

// IpTrafficRecord is a per-source-IP counter set. Every field is
// independently atomic so the splice hot path never takes the
// tracker's structural lock.
type IpTrafficRecord struct {
	BytesReceived atomic.Uint64
	BytesSent     atomic.Uint64
	Connections   atomic.Uint64
	FirstSeenUnix atomic.Int64
	LastSeenUnix  atomic.Int64
}

func (r *IpTrafficRecord) touch() {
	now := time.Now().Unix()
	if r.FirstSeenUnix.Load() == 0 {
		r.FirstSeenUnix.CompareAndSwap(0, now)
	}
	r.LastSeenUnix.Store(now)
}

// IpTrafficTracker maps source IP to IpTrafficRecord, bounded to
// maxTrackedIPs. Once that bound is reached, traffic from any new
// source IP is folded into a distinguished overflow record rather
// than being dropped or evicting an existing entry.
type IpTrafficTracker struct {
	mu             sync.RWMutex
	records        map[string]*IpTrafficRecord
	maxTrackedIPs  int
	outputFile     string
	persistenceFile string
}

// NewIpTrafficTracker builds a tracker bounded to maxTrackedIPs
// records (plus the overflow bucket, which doesn't count against the
// bound).
func NewIpTrafficTracker(maxTrackedIPs int, outputFile, persistenceFile string) *IpTrafficTracker {
	return &IpTrafficTracker{
		records:         make(map[string]*IpTrafficRecord),
		maxTrackedIPs:   maxTrackedIPs,
		outputFile:      outputFile,
		persistenceFile: persistenceFile,
	}
}

// Register increments the connection count for ip, creating its
// record on first sight if capacity allows, or crediting the overflow
// bucket otherwise. It returns the record subsequent byte counters
// should be applied to.
func (t *IpTrafficTracker) Register(ip string) *IpTrafficRecord {
	rec := t.recordFor(ip)
	rec.Connections.Add(1)
	rec.touch()
	return rec
}

// recordFor returns the tracked record for ip, falling back to the
// overflow bucket once maxTrackedIPs tracked entries already exist.
// A tracked entry, once created, is never evicted.
func (t *IpTrafficTracker) recordFor(ip string) *IpTrafficRecord {
	t.mu.RLock()
	if rec, ok := t.records[ip]; ok {
		t.mu.RUnlock()
		return rec
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[ip]; ok {
		return rec
	}
	key := ip
	if key != overflowKey && len(t.records) >= t.maxTrackedIPs {
		key = overflowKey
	}
	rec, ok := t.records[key]
	if !ok {
		rec = &IpTrafficRecord{}
		t.records[key] = rec
	}
	return rec
}

// AddReceived atomically adds n bytes received from ip's source.
func (t *IpTrafficTracker) AddReceived(ip string, n uint64) {
	rec := t.recordFor(ip)
	rec.BytesReceived.Add(n)
	rec.touch()
}

// AddSent atomically adds n bytes sent to ip's source.
func (t *IpTrafficTracker) AddSent(ip string, n uint64) {
	rec := t.recordFor(ip)
	rec.BytesSent.Add(n)
	rec.touch()
}

// IpTrafficSnapshot is a consistent, allocation-bounded view of one
// tracked IP's counters at the instant of the call.
type IpTrafficSnapshot struct {
	IP            string `json:"-"`
	BytesReceived uint64 `json:"bytes_received"`
	BytesSent     uint64 `json:"bytes_sent"`
	Connections   uint64 `json:"connections"`
	FirstSeenUnix int64  `json:"first_seen_unix,omitempty"`
	LastSeenUnix  int64  `json:"last_seen_unix,omitempty"`
}

// Snapshot returns every tracked record, sorted by descending total
// bytes; records with equal totals come out in no defined order.
func (t *IpTrafficTracker) Snapshot() []IpTrafficSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]IpTrafficSnapshot, 0, len(t.records))
	for ip, rec := range t.records {
		out = append(out, IpTrafficSnapshot{
			IP:            ip,
			BytesReceived: rec.BytesReceived.Load(),
			BytesSent:     rec.BytesSent.Load(),
			Connections:   rec.Connections.Load(),
			FirstSeenUnix: rec.FirstSeenUnix.Load(),
			LastSeenUnix:  rec.LastSeenUnix.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BytesReceived+out[i].BytesSent > out[j].BytesReceived+out[j].BytesSent
	})
	return out
}

// persistedDocument is the machine-readable JSON shape written to
// persistenceFile.
type persistedDocument struct {
	Stats   map[string]IpTrafficSnapshot `json:"stats"`
	SavedAt int64                        `json:"saved_at"`
}

// Persist writes the current snapshot to both the JSON persistence
// file and the human-readable output file, each via a temp-file +
// fsync + rename so a reader never observes a partial write. Safe to
// call concurrently with Register/AddReceived/AddSent; the snapshot it
// persists need only be consistent as of the call, not as of any
// later moment.
func (t *IpTrafficTracker) Persist() error {
	snap := t.Snapshot()
	now := time.Now().Unix()

	if t.persistenceFile != "" {
		doc := persistedDocument{Stats: make(map[string]IpTrafficSnapshot, len(snap)), SavedAt: now}
		for _, s := range snap {
			doc.Stats[s.IP] = s
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("ip tracker: marshal json: %w", err)
		}
		if err := atomicWriteFile(t.persistenceFile, data); err != nil {
			return fmt.Errorf("ip tracker: persist json: %w", err)
		}
	}

	if t.outputFile != "" {
		if err := atomicWriteFile(t.outputFile, renderTable(snap, now)); err != nil {
			return fmt.Errorf("ip tracker: persist table: %w", err)
		}
	}
	return nil
}

// renderTable formats snap as a fixed-width, human-readable table for
// operators to eyeball without parsing JSON.
func renderTable(snap []IpTrafficSnapshot, savedAt int64) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# ip traffic snapshot saved_at=%d\n", savedAt)
	fmt.Fprintf(&b, "%-40s %12s %12s %12s\n", "source_ip", "bytes_in", "bytes_out", "connections")
	for _, s := range snap {
		fmt.Fprintf(&b, "%-40s %12d %12d %12d\n", s.IP, s.BytesReceived, s.BytesSent, s.Connections)
	}
	return []byte(b.String())
}

// atomicWriteFile writes data to path by first writing a temp file in
// the same directory, fsyncing it, then renaming it into place.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
