package codec

import (
	"encoding/binary"

	"github.com/cuemby/triedb/pkg/pool"
)

// childDescriptorLen is the encoded size of one ChildDescriptor:
// offset(8) || fingerprint(32) || min_version(8).
const childDescriptorLen = 8 + 32 + 8

// MaxChildren is the branching factor: one slot per hex nibble.
const MaxChildren = 16

// FingerprintLen is the width of a node's cryptographic fingerprint.
const FingerprintLen = 32

// MaxValueLen is the largest value a single leaf node may carry inline
// (spec.md 3.3: "length <= MAX_VALUE_LEN_OF_LEAF, ~1 MiB minus node
// overhead"). The overhead reserved here is a full header plus the widest
// possible child-descriptor table, the worst case a value-carrying node can
// be sharing a chunk slot with. Values longer than this are split by the
// commit layer (pkg/mpt's flattenUpdates) across multiple chunk-indexed
// keys before any node is constructed.
const MaxValueLen = (1 << 20) - headerLen - MaxChildren*childDescriptorLen - valueLenFieldSize

// ChildDescriptor is one branch slot: where the child lives, its
// fingerprint, and the earliest version it is valid from.
type ChildDescriptor struct {
	Offset      pool.ChunkOffset
	Fingerprint [FingerprintLen]byte
	MinVersion  uint64
}

func (d ChildDescriptor) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], d.Offset.Encode())
	copy(buf[8:40], d.Fingerprint[:])
	binary.LittleEndian.PutUint64(buf[40:48], d.MinVersion)
}

func decodeChildDescriptor(buf []byte) ChildDescriptor {
	var d ChildDescriptor
	d.Offset = pool.DecodeChunkOffset(binary.LittleEndian.Uint64(buf[0:8]))
	copy(d.Fingerprint[:], buf[8:40])
	d.MinVersion = binary.LittleEndian.Uint64(buf[40:48])
	return d
}

// Flag bits for a node's flags byte.
const (
	flagHasValue    = 1 << 0
	flagIncarnation = 1 << 1 // marks an incarnation boundary, spec.md supplemented feature
)

// Node is the decoded, in-memory representation of one trie node: a nibble
// path segment, up to MaxChildren branch descriptors (sparse, indexed by
// nibble value), and an optional value.
type Node struct {
	Path        Nibbles
	Children    [MaxChildren]*ChildDescriptor // nil slot = no child at that nibble
	Value       []byte
	HasValue    bool
	Incarnation bool
}

// ChildMask returns the 16-bit bitmask of populated child slots.
func (n *Node) ChildMask() uint16 {
	var mask uint16
	for i, c := range n.Children {
		if c != nil {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// ChildCount reports how many of the 16 slots are populated.
func (n *Node) ChildCount() int {
	count := 0
	for _, c := range n.Children {
		if c != nil {
			count++
		}
	}
	return count
}
