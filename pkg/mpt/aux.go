package mpt

import (
	"fmt"

	"github.com/cuemby/triedb/pkg/ioexec"
	"github.com/cuemby/triedb/pkg/log"
	"github.com/cuemby/triedb/pkg/mpt/codec"
	"github.com/cuemby/triedb/pkg/mpt/errs"
	"github.com/cuemby/triedb/pkg/pool"
	"github.com/rs/zerolog"
)

// Config sizes an UpdateAux's compaction behavior. Geometry (chunk size,
// buffer counts, ring entries) is owned by pkg/pool and pkg/ioexec already;
// this only covers knobs specific to the update auxiliary.
type Config struct {
	// DefaultCompactionBudget bounds chunks visited per Compact call when
	// UpsertOptions.CompactionBudget is left at 0.
	DefaultCompactionBudget int
}

// UpdateAux is the writer's view of pool metadata: the single owner of
// upsert, find, traverse, finalize, and compaction for one pool. Only one
// UpdateAux exists per pool; spec.md §4.4 disallows concurrent writers at
// the type level, enforced by pkg/writer funneling every mutation through
// its single worker goroutine rather than by a lock in this type.
type UpdateAux struct {
	pool  *pool.Pool
	exec  *ioexec.Executor
	arena *codec.NodeArena
	cfg   Config

	logger zerolog.Logger

	// wip mirrors the metadata region's WIP offsets for the duration of
	// one upsert batch. Published back to the metadata region by Close
	// and after every successful Upsert.
	wipFast ChunkOffset
	wipSlow ChunkOffset

	// tombstones holds bytes superseded by a rewrite (ordinary upsert or
	// compaction relocation) that cannot yet be returned to their chunk's
	// used-byte counter, because some still-retained version's root may
	// still route through them. sweepTombstones (reclaim.go) is the only
	// place that drains this queue, once EarliestVersion proves it safe.
	tombstones []tombstone
}

// New builds an UpdateAux over an already-open pool and executor.
func New(p *pool.Pool, exec *ioexec.Executor, cfg Config) *UpdateAux {
	return &UpdateAux{
		pool:    p,
		exec:    exec,
		arena:   codec.NewNodeArena(),
		cfg:     cfg,
		logger:  log.WithComponent("mpt"),
		wipFast: p.Metadata().WIPFast(),
		wipSlow: p.Metadata().WIPSlow(),
	}
}

// maxNodeReadSpan bounds the first speculative read issued when loading a
// node whose encoded length is not yet known. Large enough to cover the
// fixed portion of any node (at most 5 + 8 + 16*48 = 781 bytes) plus a
// generous inline value; nodes whose value spills past this span cost one
// extra round trip in readNode.
const maxNodeReadSpan = 4096

// readNode loads and decodes the node at off, blocking the calling
// goroutine until the read (and, if the node spans more than
// maxNodeReadSpan bytes, a follow-up read) completes. Blocking is
// acceptable because UpdateAux's mutating operations are themselves
// confined to the single writer goroutine (spec.md §4.2's single-threaded
// cooperative scheduling model) -- nothing else contends for the executor
// mid-call.
func (a *UpdateAux) readNode(off ChunkOffset) (*codec.Node, error) {
	if !off.IsValid() {
		return nil, nil
	}

	span := uint64(maxNodeReadSpan)
	if remaining := a.pool.ChunkCapacity() - off.ByteOffset; remaining < span {
		span = remaining
	}
	buf := make([]byte, span)
	if err := a.readBlocking(buf, off); err != nil {
		return nil, err
	}

	total, ok := codec.EncodedLen(buf)
	if !ok {
		return nil, fmt.Errorf("%w: node at %v exceeds %d-byte probe without a decodable header", errs.ErrCorruptNode, off, maxNodeReadSpan)
	}
	if uint64(total) > span {
		full := make([]byte, total)
		copy(full, buf)
		tail := full[span:]
		tailOff := ChunkOffset{ChunkID: off.ChunkID, ByteOffset: off.ByteOffset + span}
		if err := a.readBlocking(tail, tailOff); err != nil {
			return nil, err
		}
		buf = full
	} else {
		buf = buf[:total]
	}

	return codec.Decode(buf)
}

// ReadNode exposes readNode to read-only consumers outside this package
// (pkg/roview), which need raw node access but own no WIP write state.
func (a *UpdateAux) ReadNode(off ChunkOffset) (*codec.Node, error) {
	return a.readNode(off)
}

// readBlocking issues a single read and waits for it to complete.
func (a *UpdateAux) readBlocking(buf []byte, off ChunkOffset) error {
	resCh := make(chan ioexec.Result, 1)
	a.exec.SubmitRead(buf, off, ioexec.NewOp(func(_ *ioexec.Op, res ioexec.Result) {
		resCh <- res
	}))
	a.exec.WaitUntilDone()
	res := <-resCh
	return res.Err
}

// writeNode encodes n, appends it to the current write stream for the
// selected list, and returns its new offset and fingerprint. toFast
// selects the fast list (spec.md §4.4's default) over the slow list.
func (a *UpdateAux) writeNode(n *codec.Node, toFast bool) (ChunkOffset, [codec.FingerprintLen]byte, error) {
	buf := codec.Encode(n)
	fp := codec.ComputeFingerprint(n)

	off, err := a.allocateWriteSpace(toFast, len(buf))
	if err != nil {
		return ChunkOffset{}, fp, err
	}
	if err := a.writeBlocking(buf, off); err != nil {
		return ChunkOffset{}, fp, err
	}
	if err := a.pool.AddUsedBytes(off.ChunkID, uint32(len(buf))); err != nil {
		return ChunkOffset{}, fp, err
	}
	return off, fp, nil
}

func (a *UpdateAux) allocateWriteSpace(toFast bool, n int) (ChunkOffset, error) {
	cur := &a.wipFast
	if !toFast {
		cur = &a.wipSlow
	}

	if !cur.IsValid() || a.pool.ChunkCapacity()-cur.ByteOffset < uint64(n) {
		id, err := a.pool.AllocateChunk(toFast)
		if err != nil {
			return ChunkOffset{}, err
		}
		*cur = ChunkOffset{ChunkID: id, ByteOffset: 0}
	}

	off := *cur
	cur.ByteOffset += uint64(n)
	return off, nil
}

func (a *UpdateAux) writeBlocking(buf []byte, off ChunkOffset) error {
	resCh := make(chan ioexec.Result, 1)
	a.exec.SubmitWrite(buf, off, ioexec.NewOp(func(_ *ioexec.Op, res ioexec.Result) {
		resCh <- res
	}))
	a.exec.WaitUntilDone()
	res := <-resCh
	return res.Err
}

// flush publishes the writer's in-memory WIP offsets to the metadata
// region so a reopen observes the chunks already written.
func (a *UpdateAux) flush() {
	a.pool.Metadata().SetWIP(a.wipFast, a.wipSlow)
}

// Close flushes WIP offsets back to the metadata region. It does not close
// the underlying pool or executor -- those are owned by the caller.
func (a *UpdateAux) Close() error {
	a.flush()
	return nil
}
