package pool

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/triedb/pkg/config"
	"github.com/cuemby/triedb/pkg/mpt/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSource creates and pre-sizes a backing file for a pool: the pool lays
// out chunks over whatever the file's size already is at open time, it does
// not grow a freshly created empty file on its own.
func newSource(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

// testChunkLog2 picks a chunk size (1MiB) large enough that chunk 0 can
// host the fixed-size pool-wide metadata region (dominated by the 512KiB
// root-offsets ring) without spilling into chunk 1's data.
const testChunkLog2 = 20

func testConfig(t *testing.T, sources ...string) *config.Config {
	t.Helper()
	cfg, err := config.New(
		config.WithSources(sources...),
		config.WithChunkCapacityLog2(testChunkLog2),
		config.WithHistoryLength(8),
	)
	require.NoError(t, err)
	return cfg
}

func TestOpen_FreshPool(t *testing.T) {
	dir := t.TempDir()
	src := newSource(t, dir, "pool.db", 8<<20)

	p, err := Open(testConfig(t, src))
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, uint64(1<<testChunkLog2), p.ChunkCapacity())
	assert.Greater(t, p.TotalChunkCount(), uint32(0))
	assert.False(t, p.Metadata().isDirty())
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	src := newSource(t, dir, "pool.db", 8<<20)

	p1, err := Open(testConfig(t, src))
	require.NoError(t, err)
	p1.Metadata().PublishRoot(0, ChunkOffset{ChunkID: 1, ByteOffset: 128})
	require.NoError(t, p1.Close())

	p2, err := Open(testConfig(t, src))
	require.NoError(t, err)
	defer p2.Close()

	off, ok := p2.Metadata().RootOffset(0)
	require.True(t, ok)
	assert.Equal(t, uint32(1), off.ChunkID)
	assert.Equal(t, uint64(128), off.ByteOffset)
}

func TestOpen_FooterMismatchOnReopenWithDifferentChunkSize(t *testing.T) {
	dir := t.TempDir()
	src := newSource(t, dir, "pool.db", 8<<20)

	p1, err := Open(testConfig(t, src))
	require.NoError(t, err)
	require.NoError(t, p1.Close())

	cfg, err := config.New(
		config.WithSources(src),
		config.WithChunkCapacityLog2(17), // different chunk size
	)
	require.NoError(t, err)

	_, err = Open(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrMetadataMismatch))
}

func TestChunkAndActivate(t *testing.T) {
	dir := t.TempDir()
	src := newSource(t, dir, "pool.db", 8<<20)

	p, err := Open(testConfig(t, src))
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Chunk(ChunkSequential, 1)
	require.NoError(t, err)
	require.NoError(t, p.ActivateChunk(h))

	// Destroying the chunk bumps its generation, staling the old handle.
	require.NoError(t, p.DestroyChunkContents(h))
	err = p.ActivateChunk(h)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvariantViolation))

	fresh, err := p.Chunk(ChunkSequential, 1)
	require.NoError(t, err)
	assert.NoError(t, p.ActivateChunk(fresh))
	assert.NotEqual(t, h.Generation, fresh.Generation)
}

func TestChunk_OutOfRange(t *testing.T) {
	dir := t.TempDir()
	src := newSource(t, dir, "pool.db", 8<<20)

	p, err := Open(testConfig(t, src))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Chunk(ChunkSequential, p.TotalChunkCount()+1000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrKeyNotFound))
}

func TestActivateChunk_WrongPool(t *testing.T) {
	dir := t.TempDir()

	p1, err := Open(testConfig(t, newSource(t, dir, "a.db", 8<<20)))
	require.NoError(t, err)
	defer p1.Close()
	p2, err := Open(testConfig(t, newSource(t, dir, "b.db", 8<<20)))
	require.NoError(t, err)
	defer p2.Close()

	h, err := p1.Chunk(ChunkSequential, 1)
	require.NoError(t, err)

	err = p2.ActivateChunk(h)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvariantViolation))
}

func TestListMovement(t *testing.T) {
	dir := t.TempDir()
	src := newSource(t, dir, "pool.db", 8<<20)

	p, err := Open(testConfig(t, src))
	require.NoError(t, err)
	defer p.Close()

	head := p.FreeListHead()
	require.NotEqual(t, InvalidChunkID, head)

	p.FastListAppend(head)
	info := p.meta.readChunkInfo(head)
	assert.True(t, info.InFast)
	assert.False(t, info.InSlow)

	p.SlowListAppend(head)
	info = p.meta.readChunkInfo(head)
	assert.False(t, info.InFast)
	assert.True(t, info.InSlow)

	p.RemoveFromList(head)
	info = p.meta.readChunkInfo(head)
	assert.False(t, info.InFast)
	assert.False(t, info.InSlow)
	assert.Equal(t, InvalidChunkID, info.PrevID)
	assert.Equal(t, InvalidChunkID, info.NextID)
}

func TestDestroyChunkContents_ResetsUsedBytes(t *testing.T) {
	dir := t.TempDir()
	src := newSource(t, dir, "pool.db", 8<<20)

	p, err := Open(testConfig(t, src))
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Chunk(ChunkSequential, 1)
	require.NoError(t, err)

	info := p.meta.readChunkInfo(1)
	info.UsedBytes = 4096
	p.meta.writeChunkInfo(1, info)
	assert.Equal(t, uint32(4096), p.ChunkUsedBytes(1))

	require.NoError(t, p.DestroyChunkContents(h))
	assert.Equal(t, uint32(0), p.ChunkUsedBytes(1))
}

func TestDirtyRewindOnReopen(t *testing.T) {
	dir := t.TempDir()
	src := newSource(t, dir, "pool.db", 8<<20)

	p1, err := Open(testConfig(t, src))
	require.NoError(t, err)
	p1.Metadata().SetWIP(ChunkOffset{ChunkID: 3, ByteOffset: 10}, ChunkOffset{ChunkID: 4, ByteOffset: 20})
	// Simulate a crash mid-write: leave the dirty byte set without clearing it.
	*load32(p1.Metadata().buf, isDirtyOffset) = 1
	require.NoError(t, p1.Close())

	p2, err := Open(testConfig(t, src))
	require.NoError(t, err)
	defer p2.Close()

	fast := p2.Metadata().WIPFast()
	slow := p2.Metadata().WIPSlow()
	assert.False(t, fast.IsValid())
	assert.False(t, slow.IsValid())
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	src := newSource(t, dir, "pool.db", 8<<20)

	p, err := Open(testConfig(t, src))
	require.NoError(t, err)
	defer p.Close()

	snap := p.Snapshot()
	assert.False(t, snap.Dirty)
	assert.Greater(t, snap.FreeChunks["sequential"], 0)
}
