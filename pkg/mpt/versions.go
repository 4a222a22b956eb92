package mpt

import (
	"github.com/cuemby/triedb/pkg/metrics"
	"github.com/cuemby/triedb/pkg/mpt/errs"
)

// LatestVersion returns the most recently published version, or false if
// nothing has been published yet.
func (a *UpdateAux) LatestVersion() (Version, bool) {
	next := a.pool.Metadata().NextVersion()
	if next == 0 {
		return 0, false
	}
	return Version(next - 1), true
}

// EarliestVersion returns the oldest version still retained in the root
// offsets ring, or false if nothing has been published yet.
func (a *UpdateAux) EarliestVersion() (Version, bool) {
	if _, ok := a.LatestVersion(); !ok {
		return 0, false
	}
	return Version(a.pool.Metadata().VersionLowerBound()), true
}

// LatestFinalizedVersion returns the highest version whose trie has been
// copied under FinalizedPrefix, or false if Finalize has never run (version
// 0 is never itself finalizable, so it doubles as the "none yet" sentinel).
func (a *UpdateAux) LatestFinalizedVersion() (Version, bool) {
	v := a.pool.Metadata().LatestFinalizedVersion()
	return Version(v), v != 0
}

// RootOffset returns the published root offset for version, for read-only
// consumers (pkg/roview) that need to resolve a root without going
// through Find/Traverse's own resolution.
func (a *UpdateAux) RootOffset(version Version) (ChunkOffset, bool) {
	return a.pool.Metadata().RootOffset(uint64(version))
}

// UpdateVerifiedVersion records the highest version a quorum has verified.
// It rejects attempts to move the watermark backward or past what has
// actually been finalized.
func (a *UpdateAux) UpdateVerifiedVersion(v Version) error {
	if uint64(v) > a.pool.Metadata().LatestFinalizedVersion() {
		return errs.ErrInvariantViolation
	}
	if uint64(v) < a.pool.Metadata().LatestVerifiedVersion() {
		return errs.ErrInvariantViolation
	}
	a.pool.Metadata().SetLatestVerifiedVersion(uint64(v))
	metrics.VerifiedVersion.Set(float64(v))
	return nil
}

// UpdateVotedMetadata records the version and block identifier the local
// node has most recently voted for, advisory bookkeeping consumed by the
// consensus layer rather than by the trie itself.
func (a *UpdateAux) UpdateVotedMetadata(v Version, blockID [32]byte) {
	a.pool.Metadata().SetVotedMetadata(uint64(v), blockID)
}
