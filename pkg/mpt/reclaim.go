package mpt

import "github.com/cuemby/triedb/pkg/mpt/codec"

// tombstone records a node that a rewrite has already stopped routing
// through, but whose chunk bytes cannot yet be returned to the pool: some
// version still within the retained window may have been published before
// deadAsOf and could still resolve straight to this exact offset. Once
// EarliestVersion climbs past deadAsOf, nothing retained can reach it any
// longer and sweepTombstones reclaims the bytes for real.
type tombstone struct {
	chunkID  uint32
	size     uint32
	deadAsOf uint64
}

// supersede records old's bytes at offset as a pending reclaim once no
// retained version can still resolve to them. Every place apply, split,
// finishNode's merge, or graft stops routing to an existing node's offset
// calls this rather than touching the pool's used-byte counter directly --
// that counter only ever moves in sweepTombstones, where EarliestVersion is
// actually checked.
func (a *UpdateAux) supersede(offset ChunkOffset, old *codec.Node, deadAsOf uint64) {
	if !offset.IsValid() {
		return
	}
	a.tombstones = append(a.tombstones, tombstone{
		chunkID:  offset.ChunkID,
		size:     uint32(len(codec.Encode(old))),
		deadAsOf: deadAsOf,
	})
}

// sweepTombstones drains up to budget tombstones whose deadAsOf version has
// fallen out of the retained window, returning their bytes to each chunk's
// live-byte counter. It returns the total bytes reclaimed. Tombstones not
// yet eligible are left queued for a later call.
func (a *UpdateAux) sweepTombstones(budget int) uint64 {
	if len(a.tombstones) == 0 {
		return 0
	}
	earliest, ok := a.EarliestVersion()
	if !ok {
		return 0
	}

	var reclaimed uint64
	kept := a.tombstones[:0]
	swept := 0
	for _, ts := range a.tombstones {
		if swept < budget && uint64(earliest) > ts.deadAsOf {
			if err := a.pool.SubtractUsedBytes(ts.chunkID, ts.size); err == nil {
				reclaimed += uint64(ts.size)
				swept++
				continue
			}
		}
		kept = append(kept, ts)
	}
	a.tombstones = kept
	return reclaimed
}

// relocateLiveInChunk copies every node of the latest version's trie that
// is physically stored in chunkID into the fast list, rewriting every
// ancestor back to the root so latest's published root reflects the move --
// spec.md §4.4 step 7's "rewrite any live nodes into the fast list." It
// never frees chunkID itself; the nodes it moves out are left as ordinary
// tombstones, reclaimed later by sweepTombstones once no retained version
// (including the one this call just rewrote) still needs them.
//
// Only the latest version's trie is walked: a node reachable solely from an
// older, still-retained version is left untouched here, since relocating it
// would require rewriting that older version's own published root too. It
// becomes eligible once that older version ages out of retention or once a
// later Upsert happens to rewrite the same path anyway.
func (a *UpdateAux) relocateLiveInChunk(chunkID uint32) (int, error) {
	latest, ok := a.LatestVersion()
	if !ok {
		return 0, nil
	}
	root, ok := a.pool.Metadata().RootOffset(uint64(latest))
	if !ok || !root.IsValid() {
		return 0, nil
	}

	n, err := a.readNode(root)
	if err != nil {
		return 0, err
	}
	rootMin := minVersionOf(n, uint64(latest))

	newRoot, _, _, relocated, err := a.relocateWalk(root, rootMin, chunkID, uint64(latest))
	if err != nil {
		return 0, err
	}
	if newRoot != root {
		a.pool.Metadata().PublishRoot(uint64(latest), newRoot)
	}
	return relocated, nil
}

// relocateWalk rewrites any node in this subtree whose current offset lives
// in chunkID, cascading the resulting offset change up through every
// ancestor that must now point somewhere new. relocated counts only nodes
// whose own offset was in chunkID, for CompactionReport; ancestors rewritten
// purely to carry a changed child pointer are not counted, though their old
// offsets are tombstoned just the same.
func (a *UpdateAux) relocateWalk(offset ChunkOffset, minVersion uint64, chunkID uint32, deadAsOf uint64) (ChunkOffset, [codec.FingerprintLen]byte, uint64, int, error) {
	if !offset.IsValid() {
		return offset, [codec.FingerprintLen]byte{}, minVersion, 0, nil
	}

	n, err := a.readNode(offset)
	if err != nil {
		return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, 0, err
	}

	newN := &codec.Node{Path: n.Path, HasValue: n.HasValue, Value: n.Value, Incarnation: n.Incarnation}
	copy(newN.Children[:], n.Children[:])

	relocated := 0
	childChanged := false
	for i, c := range n.Children {
		if c == nil {
			continue
		}
		newOff, newFP, newMin, count, err := a.relocateWalk(c.Offset, c.MinVersion, chunkID, deadAsOf)
		if err != nil {
			return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, 0, err
		}
		relocated += count
		if newOff != c.Offset {
			childChanged = true
			newN.Children[i] = &codec.ChildDescriptor{Offset: newOff, Fingerprint: newFP, MinVersion: newMin}
		}
	}

	if offset.ChunkID != chunkID && !childChanged {
		// Unchanged: the caller only consults the returned fingerprint
		// when the offset itself changed, so there is nothing to compute.
		return offset, [codec.FingerprintLen]byte{}, minVersion, relocated, nil
	}

	newOff, newFP, err := a.writeNode(newN, true)
	if err != nil {
		return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, 0, err
	}
	a.supersede(offset, n, deadAsOf)
	if offset.ChunkID == chunkID {
		relocated++
	}
	return newOff, newFP, minVersion, relocated, nil
}
