package mpt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/triedb/pkg/config"
	"github.com/cuemby/triedb/pkg/ioexec"
	"github.com/cuemby/triedb/pkg/pool"
	"github.com/stretchr/testify/require"
)

// newTestAuxWithHistory is newTestAux with a short, configurable history
// length -- needed to push a version out of the retained window quickly
// enough for a test to observe sweepTombstones actually reclaiming bytes.
func newTestAuxWithHistory(t *testing.T, historyLength uint64) *UpdateAux {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.db")

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(16<<20))
	require.NoError(t, f.Close())

	cfg, err := config.New(
		config.WithSources(path),
		config.WithChunkCapacityLog2(16),
		config.WithHistoryLength(historyLength),
	)
	require.NoError(t, err)

	p, err := pool.Open(cfg)
	require.NoError(t, err)

	exec, err := ioexec.New(p, ioexec.Config{
		URingEntries:     64,
		SQThreadCPU:      -1,
		RDBuffers:        4,
		WRBuffers:        4,
		MaxInflightReads: 2,
	})
	if err != nil {
		p.Close()
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}

	aux := New(p, exec, Config{DefaultCompactionBudget: 8})
	t.Cleanup(func() {
		aux.Close()
		exec.Close()
		p.Close()
	})
	return aux
}

// TestCompact_ReclaimsBytesOnceOverwritesAgeOutOfHistory exercises the
// whole supersede -> tombstone -> sweepTombstones chain: repeatedly
// overwriting the same key ages each prior copy out of the history_length
// window, and Compact's tombstone sweep should eventually return those
// bytes to their chunk's live-byte counter instead of leaving them stuck
// forever.
func TestCompact_ReclaimsBytesOnceOverwritesAgeOutOfHistory(t *testing.T) {
	aux := newTestAuxWithHistory(t, 2)

	for v := 1; v <= 20; v++ {
		require.NoError(t, aux.Upsert([]*Update{
			{Key: key(1, 2, 3), Value: []byte{byte(v)}, HasValue: true},
		}, Version(v), UpsertOptions{CanWriteToFast: false, EnableCompaction: true, CompactionBudget: 8}))
	}

	require.NotEmpty(t, aux.tombstones, "overwrites superseded by history eviction should still be queued if not yet swept")

	// Each further write both advances EarliestVersion and queues one more
	// tombstone of its own, so the backlog never reaches zero while writes
	// keep happening -- the most recent write's tombstone always needs one
	// more version to publish before it becomes eligible. What this loop
	// proves is that sweepTombstones actually reclaims bytes along the way
	// rather than leaving every superseded write stuck forever.
	var reclaimed uint64
	for i := 0; i < 20; i++ {
		reclaimed += aux.sweepTombstones(64)
		require.NoError(t, aux.Upsert([]*Update{
			{Key: key(9, 9, 9), Value: []byte{byte(i)}, HasValue: true},
		}, Version(21+i), UpsertOptions{CanWriteToFast: false}))
	}
	reclaimed += aux.sweepTombstones(64)

	require.Greater(t, reclaimed, uint64(0), "sweepTombstones should have reclaimed at least one superseded write")

	latest, ok := aux.LatestVersion()
	require.True(t, ok)
	got, err := aux.Find(InvalidOffset, key(1, 2, 3), latest)
	require.NoError(t, err)
	require.Equal(t, []byte{20}, got.Node.Value)
}

// TestCompact_RelocatesLiveNodeOutOfSlowChunk confirms Compact physically
// moves a still-live node out of a slow chunk and into the fast list rather
// than only ever releasing chunks that are already fully dead.
func TestCompact_RelocatesLiveNodeOutOfSlowChunk(t *testing.T) {
	aux := newTestAux(t)

	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: []byte("v1"), HasValue: true},
	}, 1, UpsertOptions{CanWriteToFast: false}))

	root, ok := aux.RootOffset(1)
	require.True(t, ok)
	slowChunk := root.ChunkID

	report, err := aux.Compact(8)
	require.NoError(t, err)
	require.Equal(t, 1, report.NodesRelocated)

	newRoot, ok := aux.RootOffset(1)
	require.True(t, ok)
	require.NotEqual(t, slowChunk, newRoot.ChunkID, "the live leaf should have moved to a different (fast) chunk")

	got, err := aux.Find(InvalidOffset, key(1, 2, 3), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got.Node.Value)
	require.NotEmpty(t, aux.tombstones, "the vacated slow offset should be queued for later reclaim")
}
