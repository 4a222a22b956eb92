package mpt

import (
	"github.com/cuemby/triedb/pkg/metrics"
	"github.com/cuemby/triedb/pkg/pool"
)

// CompactionReport summarizes one Compact call.
type CompactionReport struct {
	ChunksVisited  int
	ChunksReleased int
	NodesRelocated int
	BytesReclaimed uint64
}

// Compact reclaims bytes in two passes, both bounded by budget. First it
// sweeps pending tombstones (pkg/mpt's reclaim.go): nodes a rewrite already
// stopped routing through, whose bytes can now be returned because
// EarliestVersion has advanced past the version that last needed them.
// Second, it walks up to budget chunks from the head of the slow list: a
// chunk whose live-byte counter has already reached zero is released to
// the free list outright, and a chunk that still holds live bytes has its
// live nodes relocated into the fast list (spec.md §4.4 step 7) before
// being re-checked -- a chunk only becomes fully free once every node it
// ever held has both been superseded and aged out of every retained
// version's reach, which relocation alone does not guarantee within a
// single call.
func (a *UpdateAux) Compact(budget int) (CompactionReport, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CompactionDuration)

	var report CompactionReport
	if budget <= 0 {
		budget = a.cfg.DefaultCompactionBudget
	}

	report.BytesReclaimed += a.sweepTombstones(budget)

	id := a.pool.SlowListHead()
	for i := 0; i < budget && id != pool.InvalidChunkID; i++ {
		next := a.pool.ChunkNext(id)
		report.ChunksVisited++

		if a.pool.ChunkUsedBytes(id) == 0 {
			a.pool.ReleaseChunk(id)
			report.ChunksReleased++
			report.BytesReclaimed += a.pool.ChunkCapacity()
			id = next
			continue
		}

		relocated, err := a.relocateLiveInChunk(id)
		if err != nil {
			return report, err
		}
		report.NodesRelocated += relocated

		if relocated > 0 && a.pool.ChunkUsedBytes(id) == 0 {
			a.pool.ReleaseChunk(id)
			report.ChunksReleased++
			report.BytesReclaimed += a.pool.ChunkCapacity()
		}

		id = next
	}

	metrics.CompactionCyclesTotal.Inc()
	metrics.CompactionBytesReclaimed.Add(float64(report.BytesReclaimed))
	return report, nil
}
