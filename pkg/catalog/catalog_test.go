package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCatalog_RecordAndListOpens(t *testing.T) {
	c := newTestCatalog(t)

	poolID := NewPoolID()
	require.NoError(t, c.RecordOpen(OpenEvent{PoolID: poolID, Opened: true, Timestamp: time.Now(), Detail: "first open"}))
	require.NoError(t, c.RecordOpen(OpenEvent{PoolID: poolID, Opened: false, Timestamp: time.Now(), Detail: "clean close"}))

	events, err := c.ListOpens()
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.True(t, events[0].Opened)
	require.False(t, events[1].Opened)
	require.Equal(t, poolID, events[0].PoolID)
}

func TestCatalog_NewPoolIDIsUnique(t *testing.T) {
	require.NotEqual(t, NewPoolID(), NewPoolID())
}

func TestCatalog_CheckpointRoundTrip(t *testing.T) {
	c := newTestCatalog(t)

	_, found, err := c.Checkpoint(1)
	require.NoError(t, err)
	require.False(t, found)

	var fp [32]byte
	fp[0] = 0xab
	require.NoError(t, c.RecordCheckpoint(VersionCheckpoint{Version: 1, Fingerprint: fp, Timestamp: time.Now()}))

	got, found, err := c.Checkpoint(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, fp, got.Fingerprint)
}

func TestCatalog_CheckpointOverwritesPriorValue(t *testing.T) {
	c := newTestCatalog(t)

	var fp1, fp2 [32]byte
	fp1[0] = 1
	fp2[0] = 2
	require.NoError(t, c.RecordCheckpoint(VersionCheckpoint{Version: 5, Fingerprint: fp1, Timestamp: time.Now()}))
	require.NoError(t, c.RecordCheckpoint(VersionCheckpoint{Version: 5, Fingerprint: fp2, Timestamp: time.Now()}))

	got, found, err := c.Checkpoint(5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, fp2, got.Fingerprint)
}
