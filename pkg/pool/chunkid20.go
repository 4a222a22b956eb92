package pool

import (
	"fmt"

	"github.com/cuemby/triedb/pkg/mpt/errs"
)

// ChunkID20 is a chunk id known to fit in the 20 bits the on-disk format
// allots it. Values decoded from the ChunkOffset wire encoding get this
// for free (the 44-bit shift leaves exactly 20 bits), but chunkInfo's
// PrevID/NextID fields are stored as plain 32-bit integers, so a torn or
// corrupted metadata region can hand back a value no shift ever bounds.
// NewChunkID20 is the checkpoint for that case: construct one at the
// point a raw uint32 chunk id comes off disk, not deeper in the list
// traversal where an out-of-range id becomes a slice-index panic instead
// of a reported ErrCorruptNode.
type ChunkID20 uint32

// NewChunkID20 validates v against chunkIDBits, rejecting anything that
// would silently alias onto the same bits a well-formed id occupies.
func NewChunkID20(v uint32) (ChunkID20, error) {
	if v > InvalidChunkID {
		return 0, fmt.Errorf("%w: chunk id %d exceeds %d-bit range", errs.ErrCorruptNode, v, chunkIDBits)
	}
	return ChunkID20(v), nil
}

// Uint32 returns the underlying value.
func (id ChunkID20) Uint32() uint32 { return uint32(id) }

// Valid reports whether id is not the InvalidChunkID sentinel.
func (id ChunkID20) Valid() bool { return uint32(id) != InvalidChunkID }
