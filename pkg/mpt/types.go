// Package mpt implements the update auxiliary: depth-first upsert, point
// lookup, subtree traversal, proposal/finalized trie management, and
// bounded compaction over the chunk pool (spec.md §4.4, §4.5).
package mpt

import (
	"github.com/cuemby/triedb/pkg/mpt/codec"
	"github.com/cuemby/triedb/pkg/pool"
)

// Nibbles is re-exported from pkg/mpt/codec so callers never need to import
// the codec package directly for key construction.
type Nibbles = codec.Nibbles

// ChunkOffset identifies a node's on-disk location.
type ChunkOffset = pool.ChunkOffset

// InvalidOffset marks the absence of a subtree.
var InvalidOffset = pool.InvalidOffset

// Version is a 64-bit monotonically increasing version number.
type Version uint64

// Update is one write instruction: install or delete a value at Key,
// optionally discarding the existing subtree first (Incarnation), with
// Nested updates applied afterward at Key-relative paths. Updates form a
// slice here rather than the source's singly-linked list -- a Go slice
// gives the same single-pass-construction property callers need without
// requiring random access.
type Update struct {
	Key         Nibbles
	Value       []byte // used only when HasValue; HasValue=false means delete
	HasValue    bool
	Incarnation bool
	Nested      []*Update
}

// UpsertOptions controls one upsert batch.
type UpsertOptions struct {
	// CanWriteToFast selects the list new node writes land on: true
	// writes to the fast list, and the zero value (false) writes to the
	// slow list.
	CanWriteToFast bool
	// EnableCompaction runs a bounded compaction pass at the end of this
	// upsert (spec.md §4.4 step 7).
	EnableCompaction bool
	// CompactionBudget bounds the number of slow-list chunks visited when
	// EnableCompaction is set; 0 means use the UpdateAux's configured
	// default.
	CompactionBudget int
}

// NodeCursor is the result of a successful Find: the resolved node and its
// offset. Lookups return a cursor only once the whole key is consumed, so
// RemainingKey is always nil.
type NodeCursor struct {
	Node         *codec.Node
	Offset       ChunkOffset
	RemainingKey Nibbles
}

// Cursor names a starting point for Traverse: a root offset plus the
// nibble path already consumed to reach it.
type Cursor struct {
	Offset ChunkOffset
	Path   Nibbles
}

// TraverseMachine is the caller-supplied walk driver (spec.md §4.5): Down
// decides whether to continue into a child, Up is called on the way back
// out, and Clone produces an independent copy for a parallel sub-walk.
type TraverseMachine interface {
	Down(branch int, node *codec.Node) bool
	Up(branch int, node *codec.Node)
	Clone() TraverseMachine
}

// finalizedPrefix is the fixed one-nibble prefix identifying the finalized
// tree's subtree. Proposal trees live under proposalPrefix(blockID)
// instead; copy_trie/finalize rebind between the two without touching
// payload bytes. This split is an Open Question resolution (DESIGN.md):
// the source's finalized_nibbles/proposal_prefix constants are not present
// in the filtered original_source tree, so the exact nibble values are
// reconstructed from trie_db.cpp's usage rather than copied verbatim.
var finalizedPrefix = Nibbles{0x0}

// proposalPrefix derives the 65-nibble prefix for a proposal tree: a
// marker nibble followed by blockID's 64 nibbles.
func proposalPrefix(blockID [32]byte) Nibbles {
	out := make(Nibbles, 1, 65)
	out[0] = 0x1
	out = append(out, codec.UnpackNibbles(blockID[:], 64)...)
	return out
}

// FinalizedPrefix returns the fixed nibble prefix identifying the
// finalized tree, for callers building absolute Update keys.
func FinalizedPrefix() Nibbles { return append(Nibbles(nil), finalizedPrefix...) }

// ProposalPrefix returns the nibble prefix identifying the proposal tree
// for blockID, for callers building absolute Update keys.
func ProposalPrefix(blockID [32]byte) Nibbles { return proposalPrefix(blockID) }
