package sniproxy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIpTrafficTracker_RegisterAndAdd(t *testing.T) {
	tr := NewIpTrafficTracker(10, "", "")
	tr.Register("1.2.3.4")
	tr.AddReceived("1.2.3.4", 100)
	tr.AddSent("1.2.3.4", 50)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "1.2.3.4", snap[0].IP)
	require.EqualValues(t, 100, snap[0].BytesReceived)
	require.EqualValues(t, 50, snap[0].BytesSent)
	require.EqualValues(t, 1, snap[0].Connections)
}

func TestIpTrafficTracker_OverflowBucket(t *testing.T) {
	tr := NewIpTrafficTracker(2, "", "")
	tr.Register("1.1.1.1")
	tr.Register("2.2.2.2")
	tr.Register("3.3.3.3") // exceeds the bound, must fold into overflow

	snap := tr.Snapshot()
	var sawOverflow bool
	for _, s := range snap {
		if s.IP == overflowKey {
			sawOverflow = true
			require.EqualValues(t, 1, s.Connections)
		}
	}
	require.True(t, sawOverflow)
	require.Len(t, snap, 3, "both tracked entries plus the overflow bucket")
}

func TestIpTrafficTracker_ExistingEntryNeverEvicted(t *testing.T) {
	tr := NewIpTrafficTracker(1, "", "")
	tr.Register("1.1.1.1")
	tr.Register("1.1.1.1")
	tr.Register("2.2.2.2") // goes to overflow, 1.1.1.1 stays tracked

	snap := tr.Snapshot()
	for _, s := range snap {
		if s.IP == "1.1.1.1" {
			require.EqualValues(t, 2, s.Connections)
			return
		}
	}
	t.Fatal("expected 1.1.1.1 to remain a tracked entry")
}

func TestIpTrafficTracker_Persist(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "stats.json")
	tablePath := filepath.Join(dir, "stats.txt")

	tr := NewIpTrafficTracker(10, tablePath, jsonPath)
	tr.Register("9.9.9.9")
	tr.AddReceived("9.9.9.9", 42)

	require.NoError(t, tr.Persist())

	raw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var doc persistedDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Contains(t, doc.Stats, "9.9.9.9")
	require.EqualValues(t, 42, doc.Stats["9.9.9.9"].BytesReceived)

	table, err := os.ReadFile(tablePath)
	require.NoError(t, err)
	require.Contains(t, string(table), "9.9.9.9")
}

func TestIpTrafficTracker_ConcurrentUpdates(t *testing.T) {
	tr := NewIpTrafficTracker(100, "", "")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.AddReceived("1.1.1.1", 1)
			tr.AddSent("1.1.1.1", 1)
		}()
	}
	wg.Wait()

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	require.EqualValues(t, 50, snap[0].BytesReceived)
	require.EqualValues(t, 50, snap[0].BytesSent)
}
