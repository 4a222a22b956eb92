// Package catalog is a side-channel, crash-safe audit ledger of pool
// opens/closes and last-known-good metadata checksums. It is diagnostic
// bookkeeping, not the hot-path MPT node store: nothing in pkg/mpt reads
// from it, and losing it never loses trie data.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketOpens    = []byte("pool_opens")
	bucketVersions = []byte("version_checkpoints")
)

// OpenEvent records one pool open or close, for postmortem diagnosis of
// unclean shutdowns.
type OpenEvent struct {
	PoolID    string
	Opened    bool // false for a close event
	Timestamp time.Time
	Detail    string
}

// VersionCheckpoint records a version's root fingerprint at the moment it
// was observed, so a later audit can confirm nothing silently changed
// underneath a retained version.
type VersionCheckpoint struct {
	Version     uint64
	Fingerprint [32]byte
	Timestamp   time.Time
}

// NewPoolID generates a fresh identifier for a pool instance, for a caller
// opening a catalog that has no natural pool identifier of its own to key
// OpenEvent/VersionCheckpoint records by.
func NewPoolID() string {
	return uuid.NewString()
}

// Catalog is a bbolt-backed ledger, one instance per pool.
type Catalog struct {
	db *bolt.DB
}

// Open creates or opens the ledger at path, creating its buckets if
// they don't already exist.
func Open(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketOpens, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("catalog: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// RecordOpen appends an open/close event, keyed by a monotonically
// increasing sequence number so ListOpens returns them in order.
func (c *Catalog) RecordOpen(ev OpenEvent) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpens)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// ListOpens returns every recorded open/close event in insertion order.
func (c *Catalog) ListOpens() ([]OpenEvent, error) {
	var events []OpenEvent
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpens)
		return b.ForEach(func(_, v []byte) error {
			var ev OpenEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	return events, err
}

// RecordCheckpoint stores the latest known-good fingerprint for version,
// overwriting any prior checkpoint for the same version.
func (c *Catalog) RecordCheckpoint(cp VersionCheckpoint) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return b.Put(versionKey(cp.Version), data)
	})
}

// Checkpoint returns the recorded checkpoint for version, if any.
func (c *Catalog) Checkpoint(version uint64) (VersionCheckpoint, bool, error) {
	var cp VersionCheckpoint
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		data := b.Get(versionKey(version))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cp)
	})
	return cp, found, err
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func versionKey(version uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	return buf
}
