package mpt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/triedb/pkg/config"
	"github.com/cuemby/triedb/pkg/ioexec"
	"github.com/cuemby/triedb/pkg/mpt/errs"
	"github.com/cuemby/triedb/pkg/pool"
	"github.com/stretchr/testify/require"
)

func newHistoryTestAux(t *testing.T, historyLength uint64) *UpdateAux {
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

	aux := New(p, exec, Config{DefaultCompactionBudget: 4})
	t.Cleanup(func() {
		aux.Close()
		exec.Close()
		p.Close()
	})
	return aux
}

// TestHistoryEviction_PrunesVersionsBeyondHistoryLength is spec.md 8's
// concrete scenario 4: with history_length=4, after upserting versions
// 0..7, version 3 has fallen out of the retained window.
func TestHistoryEviction_PrunesVersionsBeyondHistoryLength(t *testing.T) {
	aux := newHistoryTestAux(t, 4)

	for v := Version(0); v <= 7; v++ {
		require.NoError(t, aux.Upsert([]*Update{
			{Key: key(1, 2, 3), Value: []byte{byte(v)}, HasValue: true},
		}, v, UpsertOptions{}))
	}

	_, err := aux.Find(InvalidOffset, key(1, 2, 3), 3)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrVersionUnknown))

	cursor, err := aux.Find(InvalidOffset, key(1, 2, 3), 4)
	require.NoError(t, err)
	require.Equal(t, []byte{4}, cursor.Node.Value)

	earliest, ok := aux.EarliestVersion()
	require.True(t, ok)
	require.Equal(t, Version(4), earliest)
}
