// Package roview is a read-only view over a pool: any number of readers
// can open one alongside a single writer, each re-checking the metadata
// region's version bounds on every operation instead of trusting a cached
// snapshot, since the writer's compaction can reclaim chunks underneath a
// stale view at any moment.
package roview

import (
	"fmt"
	"sync/atomic"

	"github.com/cuemby/triedb/pkg/config"
	"github.com/cuemby/triedb/pkg/ioexec"
	"github.com/cuemby/triedb/pkg/mpt"
	"github.com/cuemby/triedb/pkg/mpt/codec"
	"github.com/cuemby/triedb/pkg/mpt/errs"
	"github.com/cuemby/triedb/pkg/pool"
)

// View is a read-only handle onto a pool's backing files. It never writes
// to the metadata region and holds no mutable state of its own beyond the
// mmap'd pool and executor it owns.
type View struct {
	pool *pool.Pool
	exec *ioexec.Executor
	aux  *mpt.UpdateAux
}

// Open mmaps sources read-only and returns a View. cfg.Mode is forced to
// config.OpenReadOnly regardless of what the caller set.
func Open(cfg *config.Config) (*View, error) {
	roCfg := *cfg
	roCfg.Mode = config.OpenReadOnly

	p, err := pool.Open(&roCfg)
	if err != nil {
		return nil, fmt.Errorf("roview: open pool: %w", err)
	}

	exec, err := ioexec.New(p, ioexec.Config{
		URingEntries:     roCfg.URingEntries,
		SQThreadCPU:      roCfg.SQThreadCPU,
		RDBuffers:        roCfg.RDBuffers,
		WRBuffers:        roCfg.WRBuffers,
		MaxInflightReads: roCfg.MaxInflightReads,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("roview: open executor: %w", err)
	}

	aux := mpt.New(p, exec, mpt.Config{})
	return &View{pool: p, exec: exec, aux: aux}, nil
}

// Close releases the view's executor and pool.
func (v *View) Close() error {
	if err := v.exec.Close(); err != nil {
		v.pool.Close()
		return err
	}
	return v.pool.Close()
}

// EarliestVersion returns the oldest version still retained.
func (v *View) EarliestVersion() (mpt.Version, bool) { return v.aux.EarliestVersion() }

// LatestVersion returns the most recently published version.
func (v *View) LatestVersion() (mpt.Version, bool) { return v.aux.LatestVersion() }

// LatestFinalizedVersion returns the highest finalized version.
func (v *View) LatestFinalizedVersion() (mpt.Version, bool) { return v.aux.LatestFinalizedVersion() }

// checkVersion re-reads the ring's current bounds and rejects version if
// it has fallen below the retained floor or not yet been published.
func (v *View) checkVersion(version mpt.Version) error {
	earliest, ok := v.aux.EarliestVersion()
	if !ok {
		return fmt.Errorf("%w: version %d", errs.ErrVersionUnknown, version)
	}
	latest, _ := v.aux.LatestVersion()
	if version < earliest || version > latest {
		return fmt.Errorf("%w: version %d outside retained range [%d,%d]", errs.ErrVersionUnknown, version, earliest, latest)
	}
	return nil
}

// Get resolves key at version, re-checking the version-floor on every
// hop so a subtree whose min_version has fallen below the currently
// observed floor is never descended into -- its chunks may already have
// been reclaimed by the writer's compaction.
func (v *View) Get(key mpt.Nibbles, version mpt.Version) (*mpt.NodeCursor, error) {
	if err := v.checkVersion(version); err != nil {
		return nil, err
	}

	root, ok := v.aux.RootOffset(version)
	if !ok {
		return nil, fmt.Errorf("%w: version %d", errs.ErrVersionUnknown, version)
	}

	floor, _ := v.aux.EarliestVersion()
	off := root
	rest := key
	for {
		if !off.IsValid() {
			return nil, fmt.Errorf("%w: key diverges before reaching a leaf", errs.ErrKeyNotFound)
		}
		n, err := v.aux.ReadNode(off)
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
			return &mpt.NodeCursor{Node: n, Offset: off, RemainingKey: nil}, nil
		}

		child := n.Children[rest[0]]
		if child == nil {
			return nil, fmt.Errorf("%w: no child at nibble %d", errs.ErrKeyNotFound, rest[0])
		}
		if child.MinVersion < uint64(floor) {
			return nil, fmt.Errorf("%w: subtree min_version %d below retained floor %d", errs.ErrVersionUnknown, child.MinVersion, floor)
		}
		off = child.Offset
		rest = rest[1:]
	}
}

// Traverse walks version's trie depth-first from its root, delegating to
// UpdateAux.Traverse (the algorithm is identical; only the owning process
// differs).
func (v *View) Traverse(m mpt.TraverseMachine, version mpt.Version, concurrency int) (bool, error) {
	if err := v.checkVersion(version); err != nil {
		return false, err
	}
	return v.aux.Traverse(mpt.Cursor{Offset: mpt.InvalidOffset}, m, version, concurrency)
}

// VerifyReport summarizes one Verify call.
type VerifyReport struct {
	NodesVisited int
	LeavesFound  int
}

// leafCounter is the TraverseMachine Verify drives. Clones share its
// counters, so subtrees walked on other goroutines are counted too.
type leafCounter struct {
	nodes, leaves atomic.Int64
}

func (c *leafCounter) Down(branch int, node *codec.Node) bool {
	c.nodes.Add(1)
	if node.HasValue {
		c.leaves.Add(1)
	}
	return true
}
func (c *leafCounter) Up(branch int, node *codec.Node) {}
func (c *leafCounter) Clone() mpt.TraverseMachine       { return c }

// Verify runs a bounded, best-effort consistency walk over the latest
// version, counting visited nodes and leaves -- a read-only health check,
// not a full cross-format migration tool.
func (v *View) Verify(budget int) (VerifyReport, error) {
	latest, ok := v.aux.LatestVersion()
	if !ok {
		return VerifyReport{}, fmt.Errorf("%w: nothing published yet", errs.ErrVersionUnknown)
	}

	counter := &leafCounter{}
	complete, err := v.Traverse(counter, latest, budget)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{NodesVisited: int(counter.nodes.Load()), LeavesFound: int(counter.leaves.Load())}
	if !complete {
		return report, fmt.Errorf("%w: traversal pruned before covering the full trie", errs.ErrInvariantViolation)
	}
	return report, nil
}
