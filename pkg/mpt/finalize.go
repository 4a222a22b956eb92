package mpt

import (
	"fmt"

	"github.com/cuemby/triedb/pkg/metrics"
	"github.com/cuemby/triedb/pkg/mpt/errs"
)

// Finalize promotes the proposal tree keyed by blockID to the finalized
// prefix (spec.md §4.4's finalize): version must be exactly one past the
// current finalized watermark, matching finalization monotonicity (spec.md
// §8, "latest_finalized advances by exactly +1 per finalize call").
func (a *UpdateAux) Finalize(version Version, blockID [32]byte) error {
	latestFinalized, _ := a.LatestFinalizedVersion()
	if uint64(version) != uint64(latestFinalized)+1 {
		return fmt.Errorf("%w: finalize(%d) requires latest_finalized+1 (%d)", errs.ErrInvariantViolation, version, uint64(latestFinalized)+1)
	}

	if err := a.CopyTrie(version, proposalPrefix(blockID), version, finalizedPrefix, true); err != nil {
		return err
	}

	a.pool.Metadata().SetLatestFinalizedVersion(uint64(version))
	metrics.FinalizedVersion.Set(float64(version))
	return nil
}
