package ioexec

import "github.com/cuemby/triedb/pkg/pool"

// Result is what a Receiver observes when its Op completes.
type Result struct {
	N   int
	Err error
}

// Receiver is the connected-operation callback: exactly one receiver is
// invoked per Op, point-to-point, unlike the teacher's events.Broker
// broadcast-to-subscribers pattern this is otherwise grounded on.
type Receiver func(*Op, Result)

// opKind distinguishes what an in-flight Op is doing.
type opKind uint8

const (
	kindRead opKind = iota
	kindReadScatter
	kindWrite
	kindTimed
)

// Op is an owned, connected operation: it carries its own buffer, target
// offset, and receiver callback across the ring's async boundary.
type Op struct {
	kind     opKind
	buf      []byte
	scatter  [][]byte
	off      pool.ChunkOffset
	fd       int
	receiver Receiver
	userData uint64

	submittedAtNanos int64
}

// NewOp returns an Op that invokes receiver exactly once on completion,
// letting callers outside this package build connected operations for
// Submit*.
func NewOp(receiver Receiver) *Op {
	return &Op{receiver: receiver}
}

// Len returns the number of bytes the op addresses: its primary buffer, or
// the total over all buffers for a scatter read.
func (o *Op) Len() int {
	if o.kind == kindReadScatter {
		total := 0
		for _, b := range o.scatter {
			total += len(b)
		}
		return total
	}
	return len(o.buf)
}
