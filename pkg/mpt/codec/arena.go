package codec

import "sync"

// NodeArena recycles Node values and their encode scratch buffers across
// upsert batches, mirroring the single-allocation node+payload arena the
// original allocators.hpp describes for the hot upsert path.
type NodeArena struct {
	nodes sync.Pool
	bufs  sync.Pool
}

// NewNodeArena returns a ready-to-use arena.
func NewNodeArena() *NodeArena {
	return &NodeArena{
		nodes: sync.Pool{New: func() any { return new(Node) }},
		bufs:  sync.Pool{New: func() any { b := make([]byte, 0, 512); return &b }},
	}
}

// Get returns a zeroed Node ready for reuse.
func (a *NodeArena) Get() *Node {
	n := a.nodes.Get().(*Node)
	*n = Node{}
	return n
}

// Put returns n to the pool. Callers must not retain n afterward.
func (a *NodeArena) Put(n *Node) {
	a.nodes.Put(n)
}

// GetBuf returns a scratch byte buffer of at least length capacity, reset to
// zero length.
func (a *NodeArena) GetBuf(capacity int) []byte {
	p := a.bufs.Get().(*[]byte)
	buf := *p
	if cap(buf) < capacity {
		buf = make([]byte, 0, capacity)
	}
	return buf[:0]
}

// PutBuf returns buf to the pool. Callers must not retain buf afterward.
func (a *NodeArena) PutBuf(buf []byte) {
	a.bufs.Put(&buf)
}
