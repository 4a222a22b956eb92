package mpt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompact_ReleasesFullyDeadSlowChunks(t *testing.T) {
	aux := newTestAux(t)

	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: []byte("v1"), HasValue: true},
	}, 1, UpsertOptions{CanWriteToFast: false}))

	id, err := aux.pool.AllocateChunk(false)
	require.NoError(t, err)

	report, err := aux.Compact(8)
	require.NoError(t, err)
	require.GreaterOrEqual(t, report.ChunksVisited, 1)
	require.GreaterOrEqual(t, report.ChunksReleased, 1)
	require.Equal(t, aux.pool.ChunkCapacity()*uint64(report.ChunksReleased), report.BytesReclaimed)

	// The freshly allocated, still-empty chunk must have been returned to
	// the free list rather than left dangling on the slow list.
	require.Equal(t, uint32(0), aux.pool.ChunkUsedBytes(id))
}

func TestCompact_DoesNotReleaseLiveChunks(t *testing.T) {
	aux := newTestAux(t)

	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: []byte("v1"), HasValue: true},
	}, 1, UpsertOptions{CanWriteToFast: false}))

	report, err := aux.Compact(8)
	require.NoError(t, err)
	require.Equal(t, 1, report.ChunksVisited)
	require.Equal(t, 0, report.ChunksReleased)
}
