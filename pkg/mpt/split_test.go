package mpt

import (
	"bytes"
	"testing"

	"github.com/cuemby/triedb/pkg/mpt/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitWrite_ValueWithinBoundIsUnsplit(t *testing.T) {
	value := bytes.Repeat([]byte{0xab}, 1024)
	ops := splitWrite(key(1, 2, 3), value)

	require.Len(t, ops, 1)
	assert.Equal(t, key(1, 2, 3), ops[0].key)
	assert.Equal(t, value, ops[0].value)
}

func TestSplitWrite_OversizedValueSplitsAcrossChunkIndexedKeys(t *testing.T) {
	total := 2*codec.MaxValueLen + 100
	value := make([]byte, total)
	for i := range value {
		value[i] = byte(i)
	}

	ops := splitWrite(key(1, 2, 3), value)
	require.Len(t, ops, 3)

	// Every piece obeys the per-leaf bound.
	for _, op := range ops {
		assert.LessOrEqual(t, len(op.value), codec.MaxValueLen)
	}

	// First chunk lands at the original key, unchanged.
	assert.Equal(t, key(1, 2, 3), ops[0].key)
	assert.Len(t, ops[0].value, codec.MaxValueLen)

	// Later chunks carry a chunk-index suffix, in order starting at 1.
	assert.Equal(t, append(append(Nibbles(nil), key(1, 2, 3)...), chunkIndexNibbles(1)...), ops[1].key)
	assert.Equal(t, append(append(Nibbles(nil), key(1, 2, 3)...), chunkIndexNibbles(2)...), ops[2].key)

	// Reassembling every piece in order reproduces the original value.
	var got []byte
	for _, op := range ops {
		got = append(got, op.value...)
	}
	assert.Equal(t, value, got)
}

func TestSplitWrite_DeleteAndDiscardOpsUnaffected(t *testing.T) {
	ops := flattenUpdates([]*Update{
		{Key: key(1), HasValue: false},
		{Key: key(2), Incarnation: true},
	}, nil)
	require.Len(t, ops, 2)
	assert.Equal(t, flatDeleteLeaf, ops[0].kind)
	assert.Equal(t, flatDiscardSubtree, ops[1].kind)
}
