// Package client is the public operations surface for the trie store:
// Client wraps a writer-owned pool (pkg/writer) for a process that wants
// to mutate it, and ReadOnlyClient wraps pkg/roview for a process that
// only ever reads. Both accept and return opaque []byte keys/values; an
// optional Codec lets a caller plug in its own record encoding without
// this package knowing anything about it.
package client
