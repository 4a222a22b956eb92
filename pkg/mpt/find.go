package mpt

import (
	"errors"
	"fmt"

	"github.com/cuemby/triedb/pkg/ioexec"
	"github.com/cuemby/triedb/pkg/metrics"
	"github.com/cuemby/triedb/pkg/mpt/codec"
	"github.com/cuemby/triedb/pkg/mpt/errs"
)

// Find resolves key starting from root, the trie's root offset at version
// (pass InvalidOffset to have Find resolve version's published root
// itself). It blocks the calling goroutine; callers chaining many lookups
// without serializing on each other's I/O should use FindAsync.
func (a *UpdateAux) Find(root ChunkOffset, key Nibbles, version Version) (*NodeCursor, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FindDuration)

	cursor, err := a.find(root, key, version)
	outcome := "found"
	if err != nil {
		outcome = "not_found"
	}
	metrics.FindsTotal.WithLabelValues(outcome).Inc()
	return cursor, err
}

func (a *UpdateAux) find(root ChunkOffset, key Nibbles, version Version) (*NodeCursor, error) {
	off := root
	if !off.IsValid() {
		resolved, ok := a.pool.Metadata().RootOffset(uint64(version))
		if !ok {
			return nil, fmt.Errorf("%w: version %d", errs.ErrVersionUnknown, version)
		}
		off = resolved
	}

	rest := key
	for {
		if !off.IsValid() {
			return nil, fmt.Errorf("%w: key diverges before reaching a leaf", errs.ErrKeyNotFound)
		}
		n, err := a.readNode(off)
		if err != nil {
			return nil, err
		}

		common := codec.CommonPrefixLen(n.Path, rest)
		if common < len(n.Path) {
			return nil, fmt.Errorf("%w: path diverges at nibble %d", errs.ErrKeyNotFound, common)
		}
		rest = rest[common:]

		if len(rest) == 0 {
			if !n.HasValue {
				return nil, fmt.Errorf("%w: node at key carries no value", errs.ErrKeyNotFound)
			}
			return &NodeCursor{Node: n, Offset: off, RemainingKey: nil}, nil
		}

		child := n.Children[rest[0]]
		if child == nil {
			return nil, fmt.Errorf("%w: no child at nibble %d", errs.ErrKeyNotFound, rest[0])
		}
		off = child.Offset
		rest = rest[1:]
	}
}

// FindNode resolves the node living exactly at key within version's trie,
// regardless of whether it carries a value -- the building block for
// get_data's "return cached subtree data rather than a leaf value"
// semantics (spec.md §6), where the caller wants the whole node's encoded
// bytes rather than a leaf lookup.
func (a *UpdateAux) FindNode(root ChunkOffset, key Nibbles, version Version) (*codec.Node, error) {
	off := root
	if !off.IsValid() {
		resolved, ok := a.pool.Metadata().RootOffset(uint64(version))
		if !ok {
			return nil, fmt.Errorf("%w: version %d", errs.ErrVersionUnknown, version)
		}
		off = resolved
	}

	rest := key
	for {
		if !off.IsValid() {
			return nil, fmt.Errorf("%w: key diverges before reaching a node", errs.ErrKeyNotFound)
		}
		n, err := a.readNode(off)
		if err != nil {
			return nil, err
		}

		common := codec.CommonPrefixLen(n.Path, rest)
		if common < len(n.Path) {
			return nil, fmt.Errorf("%w: path diverges at nibble %d", errs.ErrKeyNotFound, common)
		}
		rest = rest[common:]

		if len(rest) == 0 {
			return n, nil
		}

		child := n.Children[rest[0]]
		if child == nil {
			return nil, fmt.Errorf("%w: no child at nibble %d", errs.ErrKeyNotFound, rest[0])
		}
		off = child.Offset
		rest = rest[1:]
	}
}

// GetValue resolves the full logical value at key, transparently
// reassembling it if splitWrite (pkg/mpt's upsert.go) split it across
// chunk-indexed keys for exceeding codec.MaxValueLen. Find/FindNode return
// only the first chunk for such a key; GetValue is the counterpart that
// walks the chunk-index suffixes until it hits one shorter than the
// maximum, the marker that no more chunks follow.
func (a *UpdateAux) GetValue(root ChunkOffset, key Nibbles, version Version) ([]byte, error) {
	cursor, err := a.Find(root, key, version)
	if err != nil {
		return nil, err
	}
	value := append([]byte(nil), cursor.Node.Value...)
	if len(cursor.Node.Value) < codec.MaxValueLen {
		return value, nil
	}

	for idx := uint16(1); ; idx++ {
		chunkKey := append(append(Nibbles(nil), key...), chunkIndexNibbles(idx)...)
		next, err := a.Find(root, chunkKey, version)
		if err != nil {
			if errors.Is(err, errs.ErrKeyNotFound) {
				break
			}
			return nil, err
		}
		value = append(value, next.Node.Value...)
		if len(next.Node.Value) < codec.MaxValueLen {
			break
		}
	}
	return value, nil
}

// findTask drives one FindAsync resolution as a chain of read completions
// instead of a blocking call stack: each node read's callback decodes the
// node, decides the next step, and either submits the next read itself or
// calls cb -- it never blocks the goroutine that invoked FindAsync. This
// is spec.md §9's "Coroutine control flow" note applied directly: the task
// is resumed by the executor's Poll loop draining the read it is waiting
// on, and its suspension points are exactly its SubmitRead calls.
type findTask struct {
	a    *UpdateAux
	cb   func(*NodeCursor, error)
	off  ChunkOffset
	rest Nibbles
}

// FindAsync resolves key the same way Find does but delivers its result
// through cb instead of blocking the caller, so a concurrent reader
// (pkg/roview) can chain many lookups without serializing on each other's
// I/O: FindAsync itself returns immediately, and cb fires from inside a
// later a.exec.Poll call once the chain of reads it needed has drained.
// When root is InvalidOffset and version has no published root, cb runs
// with ErrVersionUnknown before FindAsync returns.
func (a *UpdateAux) FindAsync(root ChunkOffset, key Nibbles, version Version, cb func(*NodeCursor, error)) {
	off := root
	if !off.IsValid() {
		resolved, ok := a.pool.Metadata().RootOffset(uint64(version))
		if !ok {
			cb(nil, fmt.Errorf("%w: version %d", errs.ErrVersionUnknown, version))
			return
		}
		off = resolved
	}

	t := &findTask{a: a, cb: cb, off: off, rest: key}
	t.submitProbe()
}

// submitProbe issues the speculative bounded-size read for the node
// currently at t.off -- the chain's one suspension point per trie level.
func (t *findTask) submitProbe() {
	if !t.off.IsValid() {
		t.finish(nil, fmt.Errorf("%w: key diverges before reaching a leaf", errs.ErrKeyNotFound))
		return
	}

	span := uint64(maxNodeReadSpan)
	if remaining := t.a.pool.ChunkCapacity() - t.off.ByteOffset; remaining < span {
		span = remaining
	}
	buf := make([]byte, span)
	off := t.off
	t.a.exec.SubmitRead(buf, off, ioexec.NewOp(func(_ *ioexec.Op, res ioexec.Result) {
		t.onProbe(buf, off, res)
	}))
}

// onProbe is the probe read's completion: it either has the whole node
// already, or submits one more read for the remainder (a node's value can
// spill past maxNodeReadSpan) before continuing.
func (t *findTask) onProbe(buf []byte, off ChunkOffset, res ioexec.Result) {
	if res.Err != nil {
		t.finish(nil, res.Err)
		return
	}

	total, ok := codec.EncodedLen(buf)
	if !ok {
		t.finish(nil, fmt.Errorf("%w: node at %v exceeds %d-byte probe without a decodable header", errs.ErrCorruptNode, off, maxNodeReadSpan))
		return
	}
	if uint64(total) <= uint64(len(buf)) {
		t.onNodeBytes(buf[:total], off)
		return
	}

	full := make([]byte, total)
	copy(full, buf)
	tail := full[len(buf):]
	tailOff := ChunkOffset{ChunkID: off.ChunkID, ByteOffset: off.ByteOffset + uint64(len(buf))}
	t.a.exec.SubmitRead(tail, tailOff, ioexec.NewOp(func(_ *ioexec.Op, res ioexec.Result) {
		if res.Err != nil {
			t.finish(nil, res.Err)
			return
		}
		t.onNodeBytes(full, off)
	}))
}

// onNodeBytes decodes a fully-read node and advances the walk: either it
// resolves the lookup (matching key exhausted, or a divergence/missing
// child), or it descends into a child by suspending on another submitProbe.
func (t *findTask) onNodeBytes(buf []byte, off ChunkOffset) {
	n, err := codec.Decode(buf)
	if err != nil {
		t.finish(nil, err)
		return
	}

	common := codec.CommonPrefixLen(n.Path, t.rest)
	if common < len(n.Path) {
		t.finish(nil, fmt.Errorf("%w: path diverges at nibble %d", errs.ErrKeyNotFound, common))
		return
	}
	t.rest = t.rest[common:]

	if len(t.rest) == 0 {
		if !n.HasValue {
			t.finish(nil, fmt.Errorf("%w: node at key carries no value", errs.ErrKeyNotFound))
			return
		}
		t.finish(&NodeCursor{Node: n, Offset: off, RemainingKey: nil}, nil)
		return
	}

	child := n.Children[t.rest[0]]
	if child == nil {
		t.finish(nil, fmt.Errorf("%w: no child at nibble %d", errs.ErrKeyNotFound, t.rest[0]))
		return
	}
	t.off = child.Offset
	t.rest = t.rest[1:]
	t.submitProbe()
}

// finish records the same outcome metric Find does and invokes cb.
func (t *findTask) finish(cursor *NodeCursor, err error) {
	outcome := "found"
	if err != nil {
		outcome = "not_found"
	}
	metrics.FindsTotal.WithLabelValues(outcome).Inc()
	t.cb(cursor, err)
}
