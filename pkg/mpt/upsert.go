package mpt

import (
	"github.com/cuemby/triedb/pkg/metrics"
	"github.com/cuemby/triedb/pkg/mpt/codec"
)

// flatKind distinguishes the three primitive operations an Update tree
// flattens into.
type flatKind uint8

const (
	flatWrite flatKind = iota
	flatDeleteLeaf
	flatDiscardSubtree
)

// flatOp is one primitive write instruction against an absolute nibble key.
type flatOp struct {
	key   Nibbles
	kind  flatKind
	value []byte
}

// flattenUpdates walks an Update tree depth-first, producing an ordered
// list of absolute-key primitive ops. Order matters: a subtree discard for
// a key is always emitted before the writes nested under that key, so
// applying ops in order reproduces spec.md §4.4 step 3's "discard before
// installing nested updates."
func flattenUpdates(updates []*Update, prefix Nibbles) []flatOp {
	var ops []flatOp
	for _, u := range updates {
		absKey := make(Nibbles, len(prefix)+len(u.Key))
		copy(absKey, prefix)
		copy(absKey[len(prefix):], u.Key)

		if u.Incarnation {
			ops = append(ops, flatOp{key: absKey, kind: flatDiscardSubtree})
		}
		if u.HasValue {
			ops = append(ops, splitWrite(absKey, u.Value)...)
		} else if len(u.Nested) == 0 && !u.Incarnation {
			ops = append(ops, flatOp{key: absKey, kind: flatDeleteLeaf})
		}
		if len(u.Nested) > 0 {
			ops = append(ops, flattenUpdates(u.Nested, absKey)...)
		}
	}
	return ops
}

// valueChunkSuffixNibbles is the width, in nibbles, of the chunk-index
// suffix splitWrite appends to key: a big-endian uint16, four hex nibbles,
// giving up to 65535 trailing chunks per oversized value.
const valueChunkSuffixNibbles = 4

// splitWrite turns one logical value write into one or more flatWrite ops,
// enforcing spec.md 3.3's MAX_VALUE_LEN_OF_LEAF bound. A value within the
// limit is written as a single op at key, unchanged. An oversized value is
// instead cut into codec.MaxValueLen-sized pieces: the first piece is
// written at key itself, and each following piece is written under key
// with a chunk-index suffix appended, exactly the "splits larger values
// across several keys with a chunk-index suffix" commit-layer behavior
// spec.md describes -- each piece is then just another leaf value, subject
// to the same size bound, so no single node ever holds more than
// MaxValueLen bytes.
func splitWrite(key Nibbles, value []byte) []flatOp {
	if len(value) <= codec.MaxValueLen {
		return []flatOp{{key: key, kind: flatWrite, value: value}}
	}

	var ops []flatOp
	for idx := 0; len(value) > 0; idx++ {
		n := codec.MaxValueLen
		if n > len(value) {
			n = len(value)
		}
		chunkKey := key
		if idx > 0 {
			chunkKey = append(append(Nibbles(nil), key...), chunkIndexNibbles(uint16(idx))...)
		}
		ops = append(ops, flatOp{key: chunkKey, kind: flatWrite, value: value[:n:n]})
		value = value[n:]
	}
	return ops
}

// chunkIndexNibbles encodes idx as valueChunkSuffixNibbles hex nibbles,
// big-endian, for appending as a value-split chunk-index key suffix.
func chunkIndexNibbles(idx uint16) Nibbles {
	return codec.UnpackNibbles([]byte{byte(idx >> 8), byte(idx)}, valueChunkSuffixNibbles)
}

// Upsert applies updates to the latest committed trie and publishes the
// result as version (spec.md §4.4's upsert algorithm, steps 1-7).
func (a *UpdateAux) Upsert(updates []*Update, version Version, opts UpsertOptions) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UpsertDuration)

	root := InvalidOffset
	rootMin := uint64(version)
	if latest, ok := a.LatestVersion(); ok {
		if off, ok := a.pool.Metadata().RootOffset(uint64(latest)); ok {
			root = off
			if n, err := a.readNode(root); err == nil {
				rootMin = minVersionOf(n, uint64(latest))
			} else {
				return err
			}
		}
	}

	toFast := opts.CanWriteToFast

	for _, op := range flattenUpdates(updates, nil) {
		newRoot, _, newMin, empty, err := a.apply(root, rootMin, [32]byte{}, op.key, op, uint64(version), toFast)
		if err != nil {
			return err
		}
		if empty {
			root, rootMin = InvalidOffset, uint64(version)
		} else {
			root, rootMin = newRoot, newMin
		}
	}

	a.pool.Metadata().PublishRoot(uint64(version), root)
	a.flush()
	metrics.UpsertsTotal.Inc()
	metrics.CurrentVersion.Set(float64(version))

	if opts.EnableCompaction {
		budget := opts.CompactionBudget
		if budget == 0 {
			budget = a.cfg.DefaultCompactionBudget
		}
		if _, err := a.Compact(budget); err != nil {
			return err
		}
	}
	return nil
}

// minVersionOf recovers a node's own min_version the one time it isn't
// already known from a parent's ChildDescriptor (the trie root, which has
// none): the minimum of fallback and every child's stored MinVersion.
func minVersionOf(n *codec.Node, fallback uint64) uint64 {
	if n == nil {
		return fallback
	}
	min := fallback
	for _, c := range n.Children {
		if c != nil && c.MinVersion < min {
			min = c.MinVersion
		}
	}
	return min
}

// keptMin folds a freshly recomputed child contribution into the running
// minimum inherited from the parent, conservatively: if the discarded old
// child used to be the minimum contributor, this can only move the bound
// down or leave it unchanged, never up, so pruning never becomes unsafe.
func keptMin(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// apply descends into the subtree currently at offset (whose own
// min_version and fingerprint, as last recorded by its parent, are
// existingMin/existingFP) applying op against the nibbles remaining in key
// from this point. It returns the rewritten subtree's offset, fingerprint,
// and min_version, or empty=true if the subtree no longer exists.
func (a *UpdateAux) apply(offset ChunkOffset, existingMin uint64, existingFP [codec.FingerprintLen]byte, key Nibbles, op flatOp, version uint64, toFast bool) (ChunkOffset, [codec.FingerprintLen]byte, uint64, bool, error) {
	if !offset.IsValid() {
		switch op.kind {
		case flatDeleteLeaf, flatDiscardSubtree:
			return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, true, nil
		default:
			leaf := a.arena.Get()
			leaf.Path = append(Nibbles(nil), key...)
			leaf.HasValue = true
			leaf.Value = op.value
			off, fp, err := a.writeNode(leaf, toFast)
			a.arena.Put(leaf)
			if err != nil {
				return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
			}
			return off, fp, version, false, nil
		}
	}

	n, err := a.readNode(offset)
	if err != nil {
		return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
	}

	common := codec.CommonPrefixLen(n.Path, key)
	if common < len(n.Path) {
		if op.kind != flatWrite {
			// Nothing at this exact position matches a delete or
			// discard target; the subtree is untouched.
			return offset, existingFP, existingMin, false, nil
		}
		newOff, newFP, newMin, empty, err := a.split(n, common, existingMin, key, op, version, toFast)
		if err == nil {
			a.supersede(offset, n, version-1)
		}
		return newOff, newFP, newMin, empty, err
	}

	rest := key[common:]
	if len(rest) == 0 {
		newOff, newFP, newMin, empty, err := a.applyAtNode(n, op, existingMin, version, toFast)
		if err == nil {
			a.supersede(offset, n, version-1)
		}
		return newOff, newFP, newMin, empty, err
	}

	idx := rest[0]
	childRest := rest[1:]
	child := n.Children[idx]
	childOffset, childMin := InvalidOffset, version
	var childFP [codec.FingerprintLen]byte
	if child != nil {
		childOffset, childMin, childFP = child.Offset, child.MinVersion, child.Fingerprint
	}

	newChildOffset, newChildFP, newChildMin, childEmpty, err := a.apply(childOffset, childMin, childFP, childRest, op, version, toFast)
	if err != nil {
		return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
	}
	if !childEmpty && child != nil && newChildOffset == childOffset {
		// Op was a no-op against this branch; nothing to rewrite here.
		return offset, existingFP, existingMin, false, nil
	}

	newN := &codec.Node{Path: n.Path, HasValue: n.HasValue, Value: n.Value, Incarnation: n.Incarnation}
	copy(newN.Children[:], n.Children[:])
	if childEmpty {
		newN.Children[idx] = nil
	} else {
		newN.Children[idx] = &codec.ChildDescriptor{Offset: newChildOffset, Fingerprint: newChildFP, MinVersion: newChildMin}
	}

	newOff, newFP, newMin, empty, err := a.finishNode(newN, keptMin(newChildMin, existingMin), version, toFast)
	if err == nil {
		a.supersede(offset, n, version-1)
	}
	return newOff, newFP, newMin, empty, err
}

// applyAtNode handles an op whose key exactly matches node n's position.
func (a *UpdateAux) applyAtNode(n *codec.Node, op flatOp, existingMin uint64, version uint64, toFast bool) (ChunkOffset, [codec.FingerprintLen]byte, uint64, bool, error) {
	switch op.kind {
	case flatDiscardSubtree:
		return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, true, nil

	case flatDeleteLeaf:
		newN := &codec.Node{Path: n.Path, Incarnation: n.Incarnation}
		copy(newN.Children[:], n.Children[:])
		return a.finishNode(newN, childrenMin(newN, version), version, toFast)

	default: // flatWrite
		newN := &codec.Node{Path: n.Path, HasValue: true, Value: op.value, Incarnation: n.Incarnation}
		copy(newN.Children[:], n.Children[:])
		min := version
		if cm := childrenMin(newN, version); cm < min {
			min = cm
		}
		return a.finishNode(newN, min, version, toFast)
	}
}

// childrenMin returns the minimum MinVersion among n's populated children,
// or fallback if n has none.
func childrenMin(n *codec.Node, fallback uint64) uint64 {
	min := fallback
	found := false
	for _, c := range n.Children {
		if c == nil {
			continue
		}
		if !found || c.MinVersion < min {
			min, found = c.MinVersion, true
		}
	}
	return min
}

// split handles a write whose key diverges from the existing node's path
// (or falls short of it), creating a new branch node that routes between
// the existing subtree (re-rooted under its shortened remaining path) and
// the freshly written leaf.
func (a *UpdateAux) split(n *codec.Node, common int, existingMin uint64, key Nibbles, op flatOp, version uint64, toFast bool) (ChunkOffset, [codec.FingerprintLen]byte, uint64, bool, error) {
	oldOff, oldFP, err := a.rewriteWithPath(n, n.Path[common+1:], toFast)
	if err != nil {
		return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
	}
	oldIdx := n.Path[common]

	branch := &codec.Node{Path: append(Nibbles(nil), n.Path[:common]...)}
	branch.Children[oldIdx] = &codec.ChildDescriptor{Offset: oldOff, Fingerprint: oldFP, MinVersion: existingMin}

	if len(key)-common == 0 {
		// key is a strict ancestor of n's path: the branch node itself
		// carries the new value, with the old subtree as its one child.
		branch.HasValue = true
		branch.Value = op.value
		return a.finishNode(branch, keptMin(version, existingMin), version, toFast)
	}

	newIdx := key[common]
	leaf := &codec.Node{Path: append(Nibbles(nil), key[common+1:]...), HasValue: true, Value: op.value}
	newOff, newFP, err := a.writeNode(leaf, toFast)
	if err != nil {
		return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
	}
	branch.Children[newIdx] = &codec.ChildDescriptor{Offset: newOff, Fingerprint: newFP, MinVersion: version}

	return a.finishNode(branch, keptMin(version, existingMin), version, toFast)
}

// rewriteWithPath re-serializes n under newPath, preserving its value and
// children verbatim -- used when branch compression shortens or merges a
// node's path without touching anything beneath it.
func (a *UpdateAux) rewriteWithPath(n *codec.Node, newPath Nibbles, toFast bool) (ChunkOffset, [codec.FingerprintLen]byte, error) {
	copyN := &codec.Node{Path: append(Nibbles(nil), newPath...), HasValue: n.HasValue, Value: n.Value, Incarnation: n.Incarnation}
	copy(copyN.Children[:], n.Children[:])
	return a.writeNode(copyN, toFast)
}

// finishNode applies spec.md §3.3's canonicalization invariant (no
// zero/one-child valueless node survives) before persisting newN, merging
// it with its sole surviving child when required.
func (a *UpdateAux) finishNode(newN *codec.Node, min uint64, version uint64, toFast bool) (ChunkOffset, [codec.FingerprintLen]byte, uint64, bool, error) {
	if !newN.HasValue {
		count := newN.ChildCount()
		if count == 0 {
			return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, true, nil
		}
		if count == 1 {
			var idx int
			var child *codec.ChildDescriptor
			for i, c := range newN.Children {
				if c != nil {
					idx, child = i, c
					break
				}
			}
			childNode, err := a.readNode(child.Offset)
			if err != nil {
				return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
			}
			mergedPath := append(append(Nibbles(nil), newN.Path...), byte(idx))
			mergedPath = append(mergedPath, childNode.Path...)
			merged := &codec.Node{
				Path:        mergedPath,
				HasValue:    childNode.HasValue,
				Value:       childNode.Value,
				Incarnation: childNode.Incarnation,
			}
			copy(merged.Children[:], childNode.Children[:])
			off, fp, err := a.writeNode(merged, toFast)
			if err != nil {
				return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
			}
			a.supersede(child.Offset, childNode, version-1)
			return off, fp, child.MinVersion, false, nil
		}
	}

	off, fp, err := a.writeNode(newN, toFast)
	if err != nil {
		return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
	}
	return off, fp, min, false, nil
}
