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

func newTestAux(t *testing.T) *UpdateAux {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.db")

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(16<<20))
	require.NoError(t, f.Close())

	cfg, err := config.New(config.WithSources(path), config.WithChunkCapacityLog2(16))
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

func key(nibbles ...byte) Nibbles { return Nibbles(nibbles) }

func TestUpsert_SingleLeafRoundTrip(t *testing.T) {
	aux := newTestAux(t)

	err := aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: []byte("hello"), HasValue: true},
	}, 1, UpsertOptions{})
	require.NoError(t, err)

	got, err := aux.Find(InvalidOffset, key(1, 2, 3), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got.Node.Value)
}

func TestUpsert_OverwriteExistingKey(t *testing.T) {
	aux := newTestAux(t)

	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: []byte("first"), HasValue: true},
	}, 1, UpsertOptions{}))
	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: []byte("second"), HasValue: true},
	}, 2, UpsertOptions{}))

	got, err := aux.Find(InvalidOffset, key(1, 2, 3), 2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got.Node.Value)
}

func TestUpsert_DeleteRemovesKey(t *testing.T) {
	aux := newTestAux(t)

	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: []byte("gone soon"), HasValue: true},
	}, 1, UpsertOptions{}))
	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1, 2, 3), HasValue: false},
	}, 2, UpsertOptions{}))

	_, err := aux.Find(InvalidOffset, key(1, 2, 3), 2)
	require.Error(t, err)
}

func TestUpsert_BranchSplitOnDivergingKeys(t *testing.T) {
	aux := newTestAux(t)

	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: []byte("a"), HasValue: true},
		{Key: key(1, 2, 9), Value: []byte("b"), HasValue: true},
	}, 1, UpsertOptions{}))

	a, err := aux.Find(InvalidOffset, key(1, 2, 3), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), a.Node.Value)

	b, err := aux.Find(InvalidOffset, key(1, 2, 9), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), b.Node.Value)
}

func TestUpsert_IncarnationDiscardsSubtree(t *testing.T) {
	aux := newTestAux(t)

	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1), Nested: []*Update{
			{Key: key(2), Value: []byte("old-a"), HasValue: true},
			{Key: key(3), Value: []byte("old-b"), HasValue: true},
		}},
	}, 1, UpsertOptions{}))

	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1), Incarnation: true, Nested: []*Update{
			{Key: key(4), Value: []byte("new"), HasValue: true},
		}},
	}, 2, UpsertOptions{}))

	_, err := aux.Find(InvalidOffset, key(1, 2), 2)
	require.Error(t, err)
	_, err = aux.Find(InvalidOffset, key(1, 3), 2)
	require.Error(t, err)

	got, err := aux.Find(InvalidOffset, key(1, 4), 2)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got.Node.Value)
}

func TestUpsert_PublishesIncreasingVersions(t *testing.T) {
	aux := newTestAux(t)

	require.NoError(t, aux.Upsert([]*Update{{Key: key(1), Value: []byte("v1"), HasValue: true}}, 1, UpsertOptions{}))
	require.NoError(t, aux.Upsert([]*Update{{Key: key(2), Value: []byte("v2"), HasValue: true}}, 2, UpsertOptions{}))

	latest, ok := aux.LatestVersion()
	require.True(t, ok)
	require.Equal(t, Version(2), latest)

	v1, err := aux.Find(InvalidOffset, key(1), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v1.Node.Value)
}
