package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/triedb/pkg/config"
	"github.com/cuemby/triedb/pkg/mpt"
	"github.com/cuemby/triedb/pkg/writer"
	"github.com/stretchr/testify/require"
)

func newFixturePath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.db")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(16<<20))
	require.NoError(t, f.Close())
	return path
}

func openTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	path := newFixturePath(t)
	cfg, err := config.New(
		config.WithSources(path),
		config.WithChunkCapacityLog2(16),
		config.WithIOExec(64, 4, 4, 2),
	)
	require.NoError(t, err)

	cl, err := Open(cfg, writer.Config{RequestQueueDepth: 8})
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl, path
}

func TestClient_UpsertThenGet(t *testing.T) {
	cl, _ := openTestClient(t)

	require.NoError(t, cl.Upsert([]*mpt.Update{
		{Key: mpt.Nibbles{1, 2, 3}, Value: []byte("hi"), HasValue: true},
	}, 1, mpt.UpsertOptions{}))

	got, err := cl.Get(mpt.Nibbles{1, 2, 3}, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), got.Node.Value)

	latest, ok := cl.LatestVersion()
	require.True(t, ok)
	require.Equal(t, mpt.Version(1), latest)
}

func TestClient_GetDataReturnsEncodedNode(t *testing.T) {
	cl, _ := openTestClient(t)

	require.NoError(t, cl.Upsert([]*mpt.Update{
		{Key: mpt.Nibbles{4, 5}, Value: []byte("payload"), HasValue: true},
	}, 1, mpt.UpsertOptions{}))

	data, err := cl.GetData(mpt.Nibbles{4, 5}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestClient_PrefetchWalksLatestVersion(t *testing.T) {
	cl, _ := openTestClient(t)

	require.NoError(t, cl.Upsert([]*mpt.Update{
		{Key: mpt.Nibbles{1}, Value: []byte("a"), HasValue: true},
		{Key: mpt.Nibbles{2}, Value: []byte("b"), HasValue: true},
	}, 1, mpt.UpsertOptions{}))

	require.NoError(t, cl.Prefetch(2))
}

func TestReadOnlyClient_SeesWriterCommittedData(t *testing.T) {
	cl, path := openTestClient(t)

	require.NoError(t, cl.Upsert([]*mpt.Update{
		{Key: mpt.Nibbles{7, 7}, Value: []byte("ro"), HasValue: true},
	}, 1, mpt.UpsertOptions{}))

	roCfg, err := config.New(
		config.WithSources(path),
		config.WithChunkCapacityLog2(16),
		config.WithIOExec(64, 4, 4, 2),
	)
	require.NoError(t, err)

	ro, err := OpenReadOnly(roCfg)
	require.NoError(t, err)
	defer ro.Close()

	got, err := ro.Get(mpt.Nibbles{7, 7}, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("ro"), got.Node.Value)
}
