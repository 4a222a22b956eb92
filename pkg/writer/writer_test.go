package writer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/triedb/pkg/config"
	"github.com/cuemby/triedb/pkg/ioexec"
	"github.com/cuemby/triedb/pkg/mpt"
	"github.com/cuemby/triedb/pkg/pool"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) *Writer {
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

	aux := mpt.New(p, exec, mpt.Config{DefaultCompactionBudget: 4})
	w := New(aux, exec, Config{RequestQueueDepth: 8})
	w.Start()

	t.Cleanup(func() {
		w.Stop()
		aux.Close()
		exec.Close()
		p.Close()
	})
	return w
}

func TestWriter_SubmitUpsertThenFind(t *testing.T) {
	w := newTestWriter(t)

	err := <-w.SubmitUpsert([]*mpt.Update{
		{Key: mpt.Nibbles{1, 2, 3}, Value: []byte("hi"), HasValue: true},
	}, 1, mpt.UpsertOptions{})
	require.NoError(t, err)

	result := <-w.SubmitFind(mpt.InvalidOffset, mpt.Nibbles{1, 2, 3}, 1)
	require.NoError(t, result.Err)
	require.Equal(t, []byte("hi"), result.Cursor.Node.Value)
}

func TestWriter_SubmitAfterStopResolves(t *testing.T) {
	w := newTestWriter(t)

	err := <-w.SubmitUpsert([]*mpt.Update{
		{Key: mpt.Nibbles{9}, Value: []byte("x"), HasValue: true},
	}, 1, mpt.UpsertOptions{})
	require.NoError(t, err)

	w.Stop()

	select {
	case <-w.SubmitUpsert(nil, 2, mpt.UpsertOptions{}):
	case <-time.After(time.Second):
		t.Fatal("submit after Stop did not resolve")
	}
}
