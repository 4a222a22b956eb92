// Package errs defines the sentinel error taxonomy shared by pkg/pool,
// pkg/mpt, pkg/ioexec, and pkg/roview, checked by callers with errors.Is.
package errs

import "errors"

var (
	// ErrKeyNotFound means a lookup reached a branch with no matching slot.
	// Recoverable by the caller.
	ErrKeyNotFound = errors.New("triedb: key not found")

	// ErrVersionUnknown means the requested version was pruned between
	// selection and traversal. The caller should retry at a fresher version.
	ErrVersionUnknown = errors.New("triedb: version unknown or pruned")

	// ErrCorruptNode means a decoded node failed length, mask, or
	// fingerprint validation.
	ErrCorruptNode = errors.New("triedb: corrupt node")

	// ErrMetadataMismatch means the on-disk magic or configuration hash
	// did not match at open. The pool is not usable.
	ErrMetadataMismatch = errors.New("triedb: pool metadata mismatch")

	// ErrDeviceError wraps an OS-level I/O failure (short read, short
	// write, EIO). Always wrapped with the underlying error via %w.
	ErrDeviceError = errors.New("triedb: device I/O error")

	// ErrPoolExhausted means no free chunks remain on either list after
	// compaction.
	ErrPoolExhausted = errors.New("triedb: pool exhausted, no free chunks")

	// ErrInvariantViolation means a structural check failed (single-child
	// non-value node, over-large value, double finalize, ...). The
	// process must treat the underlying state as unsafe to continue.
	ErrInvariantViolation = errors.New("triedb: invariant violation")

	// ErrUnsupportedDeviceClass traps on zoned devices, which are a
	// reserved, unimplemented device class.
	ErrUnsupportedDeviceClass = errors.New("triedb: zoned devices are not supported")
)
