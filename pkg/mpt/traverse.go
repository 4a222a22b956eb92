package mpt

import (
	"sync"

	"github.com/cuemby/triedb/pkg/mpt/codec"
	"github.com/cuemby/triedb/pkg/mpt/errs"
)

// Traverse walks the trie depth-first from start, driving m's Down/Up
// callbacks at every node (spec.md §4.5). When start.Offset is
// InvalidOffset, it resolves version's published root first. concurrency
// bounds how many sibling subtrees may be walked in parallel; values <= 1
// walk serially on the calling goroutine. It returns false if Down ever
// pruned a branch (the walk did not visit every reachable node), and any
// I/O or corruption error encountered along the way.
func (a *UpdateAux) Traverse(start Cursor, m TraverseMachine, version Version, concurrency int) (bool, error) {
	off := start.Offset
	if !off.IsValid() {
		resolved, ok := a.pool.Metadata().RootOffset(uint64(version))
		if !ok {
			return false, errs.ErrVersionUnknown
		}
		off = resolved
	}
	if concurrency < 1 {
		concurrency = 1
	}

	// The calling goroutine is one walker, so concurrency-1 extra
	// goroutines may run at once; concurrency 1 never spawns any.
	sem := make(chan struct{}, concurrency-1)
	return a.walk(off, -1, m, sem)
}

// walk visits offset under branch (the child index it was reached through,
// or -1 for the root), calling Down before descending into children and Up
// once every child has returned. sem bounds the number of concurrently
// running subtree walks across the whole traversal.
func (a *UpdateAux) walk(offset ChunkOffset, branch int, m TraverseMachine, sem chan struct{}) (bool, error) {
	if !offset.IsValid() {
		return true, nil
	}

	n, err := a.readNode(offset)
	if err != nil {
		return false, err
	}

	if !m.Down(branch, n) {
		return false, nil
	}

	complete := true
	var firstErr error
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < codec.MaxChildren; i++ {
		child := n.Children[i]
		if child == nil {
			continue
		}

		select {
		case sem <- struct{}{}:
			wg.Add(1)
			go func(idx int, off ChunkOffset, sub TraverseMachine) {
				defer wg.Done()
				defer func() { <-sem }()
				ok, err := a.walk(off, idx, sub, sem)
				mu.Lock()
				if !ok {
					complete = false
				}
				if err != nil && firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}(i, child.Offset, m.Clone())
		default:
			ok, err := a.walk(child.Offset, i, m, sem)
			if !ok {
				complete = false
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	wg.Wait()
	m.Up(branch, n)

	if firstErr != nil {
		return false, firstErr
	}
	return complete, nil
}
