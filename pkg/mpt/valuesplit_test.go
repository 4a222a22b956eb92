package mpt

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/triedb/pkg/config"
	"github.com/cuemby/triedb/pkg/ioexec"
	"github.com/cuemby/triedb/pkg/mpt/codec"
	"github.com/cuemby/triedb/pkg/pool"
	"github.com/stretchr/testify/require"
)

// newTestAuxWideChunks is newTestAux with a chunk size generous enough to
// hold a single MaxValueLen leaf, needed to exercise real oversized-value
// upserts end to end rather than just splitWrite in isolation.
func newTestAuxWideChunks(t *testing.T) *UpdateAux {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.db")

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64<<20))
	require.NoError(t, f.Close())

	cfg, err := config.New(config.WithSources(path), config.WithChunkCapacityLog2(21))
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

	aux := New(p, exec, Config{DefaultCompactionBudget: 4})
	t.Cleanup(func() {
		aux.Close()
		exec.Close()
		p.Close()
	})
	return aux
}

// TestUpsert_OversizedValueIsReadableThroughGetValue exercises the commit
// layer's value-splitting path end to end: an oversized write lands on
// several chunk-indexed keys, and GetValue transparently reassembles them.
func TestUpsert_OversizedValueIsReadableThroughGetValue(t *testing.T) {
	aux := newTestAuxWideChunks(t)

	value := make([]byte, 2*codec.MaxValueLen+100)
	for i := range value {
		value[i] = byte(i * 7)
	}

	err := aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: value, HasValue: true},
	}, 1, UpsertOptions{})
	require.NoError(t, err)

	// The head key alone only yields the first chunk.
	head, err := aux.Find(InvalidOffset, key(1, 2, 3), 1)
	require.NoError(t, err)
	require.Len(t, head.Node.Value, codec.MaxValueLen)

	// GetValue reassembles the whole thing.
	got, err := aux.GetValue(InvalidOffset, key(1, 2, 3), 1)
	require.NoError(t, err)
	require.True(t, bytes.Equal(value, got))
}
