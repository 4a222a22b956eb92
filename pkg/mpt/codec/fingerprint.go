package codec

import "crypto/sha256"

// ComputeFingerprint returns the node's 32-byte cryptographic fingerprint.
// Because every ChildDescriptor already embeds its child's fingerprint,
// hashing one node's encoded bytes transitively commits to its entire
// subtree -- the "bottom-up fingerprint" spec.md §4.4 describes.
func ComputeFingerprint(n *Node) [FingerprintLen]byte {
	return sha256.Sum256(Encode(n))
}
