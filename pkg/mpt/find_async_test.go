package mpt

import (
	"errors"
	"testing"

	"github.com/cuemby/triedb/pkg/mpt/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFindAsync_DoesNotBlockAndResolvesOnPoll confirms FindAsync returns
// before the lookup resolves, and that draining the executor (the only
// thing that can run its callback chain) delivers the same result Find
// would give synchronously.
func TestFindAsync_DoesNotBlockAndResolvesOnPoll(t *testing.T) {
	aux := newTestAux(t)

	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: []byte("hello"), HasValue: true},
	}, 1, UpsertOptions{}))

	var cursor *NodeCursor
	var findErr error
	called := false
	aux.FindAsync(InvalidOffset, key(1, 2, 3), 1, func(c *NodeCursor, err error) {
		called = true
		cursor, findErr = c, err
	})

	// The callback only fires once the executor is driven; FindAsync
	// itself never blocks the caller waiting on it.
	assert.False(t, called, "FindAsync must not resolve its callback synchronously")

	aux.exec.WaitUntilDone()

	require.True(t, called)
	require.NoError(t, findErr)
	assert.Equal(t, []byte("hello"), cursor.Node.Value)
}

func TestFindAsync_MissingKeyReportsNotFound(t *testing.T) {
	aux := newTestAux(t)

	require.NoError(t, aux.Upsert([]*Update{
		{Key: key(1, 2, 3), Value: []byte("hello"), HasValue: true},
	}, 1, UpsertOptions{}))

	var gotErr error
	aux.FindAsync(InvalidOffset, key(9, 9, 9), 1, func(_ *NodeCursor, err error) {
		gotErr = err
	})
	aux.exec.WaitUntilDone()

	require.Error(t, gotErr)
	assert.True(t, errors.Is(gotErr, errs.ErrKeyNotFound))
}
