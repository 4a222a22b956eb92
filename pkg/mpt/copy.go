package mpt

import (
	"fmt"

	"github.com/cuemby/triedb/pkg/mpt/codec"
	"github.com/cuemby/triedb/pkg/mpt/errs"
)

// graftPayload is an already-written subtree being rebound under a new
// prefix: its offset, fingerprint and min_version are reused verbatim, so
// grafting never re-serializes the subtree's own nodes.
type graftPayload struct {
	Offset      ChunkOffset
	Fingerprint [codec.FingerprintLen]byte
	MinVersion  uint64
}

// CopyTrie rebinds the subtree resolved at fromPrefix within fromV's trie
// under toPrefix within toV's trie (spec.md §4.4's copy_trie), rewriting
// only the ancestor chain from toV's root down to toPrefix -- the grafted
// subtree's own nodes are never touched. mayOverwrite governs whether an
// existing node already at toPrefix may be replaced.
func (a *UpdateAux) CopyTrie(fromV Version, fromPrefix Nibbles, toV Version, toPrefix Nibbles, mayOverwrite bool) error {
	fromRoot, ok := a.pool.Metadata().RootOffset(uint64(fromV))
	if !ok {
		return fmt.Errorf("%w: source version %d", errs.ErrVersionUnknown, fromV)
	}

	payload, err := a.resolveSubtree(fromRoot, fromPrefix)
	if err != nil {
		return err
	}

	toRoot := InvalidOffset
	toRootMin := payload.MinVersion
	if off, ok := a.pool.Metadata().RootOffset(uint64(toV)); ok {
		toRoot = off
		n, err := a.readNode(toRoot)
		if err != nil {
			return err
		}
		toRootMin = minVersionOf(n, payload.MinVersion)
	}

	newRoot, _, _, empty, err := a.graft(toRoot, toRootMin, toPrefix, payload, mayOverwrite, uint64(toV))
	if err != nil {
		return err
	}
	if empty {
		newRoot = InvalidOffset
	}

	a.pool.Metadata().PublishRoot(uint64(toV), newRoot)
	a.flush()
	return nil
}

// resolveSubtree descends root along prefix and returns a graftPayload
// describing the subtree rooted exactly at prefix, truncating the landing
// node's path header (a cheap rewrite, not a payload copy) when prefix
// ends strictly inside it rather than on a node boundary.
func (a *UpdateAux) resolveSubtree(root ChunkOffset, prefix Nibbles) (graftPayload, error) {
	if !root.IsValid() {
		return graftPayload{}, fmt.Errorf("%w: prefix has no subtree", errs.ErrKeyNotFound)
	}

	off := root
	rest := prefix
	min := uint64(0)
	var fp [codec.FingerprintLen]byte
	haveDescriptor := false

	for {
		n, err := a.readNode(off)
		if err != nil {
			return graftPayload{}, err
		}

		common := codec.CommonPrefixLen(n.Path, rest)
		switch {
		case common == len(rest) && common == len(n.Path):
			if !haveDescriptor {
				fp = codec.ComputeFingerprint(n)
				min = minVersionOf(n, 0)
			}
			return graftPayload{Offset: off, Fingerprint: fp, MinVersion: min}, nil

		case common == len(rest) && common < len(n.Path):
			truncOff, truncFP, err := a.rewriteWithPath(n, n.Path[common:], true)
			if err != nil {
				return graftPayload{}, err
			}
			if !haveDescriptor {
				min = minVersionOf(n, 0)
			}
			return graftPayload{Offset: truncOff, Fingerprint: truncFP, MinVersion: min}, nil

		case common < len(n.Path):
			return graftPayload{}, fmt.Errorf("%w: prefix diverges from stored trie", errs.ErrKeyNotFound)

		default: // common == len(n.Path) < len(rest)
			child := n.Children[rest[common]]
			if child == nil {
				return graftPayload{}, fmt.Errorf("%w: no child along prefix", errs.ErrKeyNotFound)
			}
			off, fp, min, haveDescriptor = child.Offset, child.Fingerprint, child.MinVersion, true
			rest = rest[common+1:]
		}
	}
}

// graft installs payload as the subtree at key within the tree rooted at
// offset, rewriting only the ancestor nodes along key. existingMin is
// offset's currently recorded min_version, for the same conservative
// folding apply uses.
func (a *UpdateAux) graft(offset ChunkOffset, existingMin uint64, key Nibbles, payload graftPayload, mayOverwrite bool, version uint64) (ChunkOffset, [codec.FingerprintLen]byte, uint64, bool, error) {
	if !offset.IsValid() {
		return payload.Offset, payload.Fingerprint, payload.MinVersion, false, nil
	}

	n, err := a.readNode(offset)
	if err != nil {
		return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
	}

	common := codec.CommonPrefixLen(n.Path, key)
	if common < len(n.Path) {
		if len(key)-common == 0 {
			if !mayOverwrite {
				return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, fmt.Errorf("%w: target prefix already occupied", errs.ErrInvariantViolation)
			}
			a.supersede(offset, n, version)
			return payload.Offset, payload.Fingerprint, payload.MinVersion, false, nil
		}

		oldOff, oldFP, err := a.rewriteWithPath(n, n.Path[common+1:], true)
		if err != nil {
			return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
		}
		oldIdx := n.Path[common]

		branch := &codec.Node{Path: append(Nibbles(nil), n.Path[:common]...)}
		branch.Children[oldIdx] = &codec.ChildDescriptor{Offset: oldOff, Fingerprint: oldFP, MinVersion: existingMin}

		newIdx := key[common]
		branch.Children[newIdx] = &codec.ChildDescriptor{Offset: payload.Offset, Fingerprint: payload.Fingerprint, MinVersion: payload.MinVersion}

		newOff, newFP, newMin, empty, err := a.finishNode(branch, keptMin(payload.MinVersion, existingMin), version, true)
		if err == nil {
			a.supersede(offset, n, version)
		}
		return newOff, newFP, newMin, empty, err
	}

	rest := key[common:]
	if len(rest) == 0 {
		if (n.HasValue || n.ChildCount() > 0) && !mayOverwrite {
			return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, fmt.Errorf("%w: target prefix already occupied", errs.ErrInvariantViolation)
		}
		a.supersede(offset, n, version)
		return payload.Offset, payload.Fingerprint, payload.MinVersion, false, nil
	}

	idx := rest[0]
	child := n.Children[idx]
	childOffset, childMin := InvalidOffset, payload.MinVersion
	if child != nil {
		childOffset, childMin = child.Offset, child.MinVersion
	}

	newChildOffset, newChildFP, newChildMin, childEmpty, err := a.graft(childOffset, childMin, rest[1:], payload, mayOverwrite, version)
	if err != nil {
		return ChunkOffset{}, [codec.FingerprintLen]byte{}, 0, false, err
	}

	newN := &codec.Node{Path: n.Path, HasValue: n.HasValue, Value: n.Value, Incarnation: n.Incarnation}
	copy(newN.Children[:], n.Children[:])
	if childEmpty {
		newN.Children[idx] = nil
	} else {
		newN.Children[idx] = &codec.ChildDescriptor{Offset: newChildOffset, Fingerprint: newChildFP, MinVersion: newChildMin}
	}

	newOff, newFP, newMin, empty, err := a.finishNode(newN, keptMin(newChildMin, existingMin), version, true)
	if err == nil {
		a.supersede(offset, n, version)
	}
	return newOff, newFP, newMin, empty, err
}
