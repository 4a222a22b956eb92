// Package ioexec is the async I/O executor: a single io_uring instance,
// pre-drawn read/write buffer pools, an inflight-read cap with a FIFO
// pending queue, and the connected-operation/receiver callback pattern.
package ioexec

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/triedb/pkg/metrics"
	"github.com/cuemby/triedb/pkg/mpt/errs"
	"github.com/cuemby/triedb/pkg/pool"
)

// ioBufferSize is the granularity of the executor's internal scratch-buffer
// pools. Individual reads/writes may use caller-supplied buffers of any
// size; this only bounds what GetReadBuffer/GetWriteBuffer hand out.
const ioBufferSize = 64 * 1024

// Config sizes the ring and buffer pools.
type Config struct {
	URingEntries     uint32
	SQThreadCPU      int // -1 disables SQ polling thread affinity
	RDBuffers        uint32
	WRBuffers        uint32
	MaxInflightReads uint32
}

// Executor owns one uring instance and every buffer and bookkeeping
// structure needed to drive it. All submission/completion bookkeeping is
// guarded by mu; the ring itself is meant to be driven by a single
// goroutine (pkg/writer), matching spec.md's single-threaded cooperative
// scheduling model.
type Executor struct {
	p    *pool.Pool
	ring *ring

	rdPool *bufferPool
	wrPool *bufferPool

	mu               sync.Mutex
	inflightReads    uint32
	maxInflightReads uint32
	pendingReads     *list.List // FIFO of *Op waiting for an inflight slot
	byUserData       map[uint64]*Op
	nextUserData     uint64
	timers           []timedOp

	closed bool
}

type timedOp struct {
	at time.Time
	op *Op
}

// New sets up the uring instance and buffer pools backing reads/writes
// against p's devices.
func New(p *pool.Pool, cfg Config) (*Executor, error) {
	r, err := setupRing(cfg.URingEntries, cfg.SQThreadCPU)
	if err != nil {
		return nil, err
	}
	return &Executor{
		p:                p,
		ring:             r,
		rdPool:           newBufferPool(int(cfg.RDBuffers), ioBufferSize),
		wrPool:           newBufferPool(int(cfg.WRBuffers), ioBufferSize),
		maxInflightReads: cfg.MaxInflightReads,
		pendingReads:     list.New(),
		byUserData:       make(map[uint64]*Op),
	}, nil
}

// GetReadBuffer draws a scratch buffer from the read pool, or nil if
// exhausted.
func (e *Executor) GetReadBuffer() []byte { return e.rdPool.get() }

// PutReadBuffer returns buf to the read pool.
func (e *Executor) PutReadBuffer(buf []byte) { e.rdPool.put(buf) }

// GetWriteBuffer draws a scratch buffer from the write pool, or nil if
// exhausted.
func (e *Executor) GetWriteBuffer() []byte { return e.wrPool.get() }

// PutWriteBuffer returns buf to the write pool.
func (e *Executor) PutWriteBuffer(buf []byte) { e.wrPool.put(buf) }

// SubmitRead queues a read of len(buf) bytes at off into buf, invoking
// op.receiver on completion. Reads beyond MaxInflightReads queue in FIFO
// order rather than submitting immediately (spec.md §4.2 back-pressure).
func (e *Executor) SubmitRead(buf []byte, off pool.ChunkOffset, op *Op) {
	op.kind = kindRead
	op.buf = buf
	op.off = off
	e.submitReadThroughCap(op)
}

// SubmitReadScatter reads into each buffer of iov starting at off,
// advancing the byte offset by each buffer's length, and invokes
// op.receiver exactly once with the aggregated result.
func (e *Executor) SubmitReadScatter(iov [][]byte, off pool.ChunkOffset, op *Op) {
	op.kind = kindReadScatter
	op.scatter = iov
	op.off = off

	st := &scatterState{remaining: int32(len(iov))}
	cursor := off.ByteOffset
	for _, buf := range iov {
		sub := &Op{kind: kindRead, buf: buf, off: pool.ChunkOffset{ChunkID: off.ChunkID, ByteOffset: cursor}}
		cursor += uint64(len(buf))
		sub.receiver = st.complete(op)
		e.submitReadThroughCap(sub)
	}
}

// scatterState aggregates N sub-read completions into one parent Result.
type scatterState struct {
	mu        sync.Mutex
	remaining int32
	totalN    int64
	err       error
}

func (st *scatterState) complete(parent *Op) Receiver {
	return func(_ *Op, res Result) {
		st.mu.Lock()
		if res.Err != nil && st.err == nil {
			st.err = res.Err
		}
		st.totalN += int64(res.N)
		st.remaining--
		done := st.remaining == 0
		n, err := st.totalN, st.err
		st.mu.Unlock()
		if done && parent.receiver != nil {
			parent.receiver(parent, Result{N: int(n), Err: err})
		}
	}
}

func (e *Executor) submitReadThroughCap(op *Op) {
	e.mu.Lock()
	if e.inflightReads >= e.maxInflightReads {
		e.pendingReads.PushBack(op)
		e.mu.Unlock()
		return
	}
	e.inflightReads++
	e.mu.Unlock()
	e.submit(op, opRead)
}

// SubmitWrite queues a write of buf at off. Writes never queue: back
// pressure for writes is expected to come from buffer-pool exhaustion in
// the caller, not from this executor (spec.md §4.2 back-pressure (b)).
func (e *Executor) SubmitWrite(buf []byte, off pool.ChunkOffset, op *Op) {
	op.kind = kindWrite
	op.buf = buf
	op.off = off
	e.submit(op, opWrite)
}

// SubmitTimed schedules op's receiver to fire after delay, checked on the
// next Poll call rather than a dedicated goroutine, preserving the
// single-threaded cooperative scheduling model.
func (e *Executor) SubmitTimed(delay time.Duration, op *Op) {
	op.kind = kindTimed
	e.mu.Lock()
	e.timers = append(e.timers, timedOp{at: time.Now().Add(delay), op: op})
	e.mu.Unlock()
}

func (e *Executor) submit(op *Op, opcode uint8) {
	fd, absOff, err := e.p.FileDescriptor(op.off.ChunkID, op.off.ByteOffset)
	if err != nil {
		e.deliver(op, Result{Err: fmt.Errorf("%w: %v", errs.ErrDeviceError, err)})
		return
	}
	userData := atomic.AddUint64(&e.nextUserData, 1)
	op.userData = userData
	op.submittedAtNanos = time.Now().UnixNano()

	e.mu.Lock()
	e.byUserData[userData] = op
	e.mu.Unlock()

	e.ring.pushSubmission(opcode, fd, op.buf, uint64(absOff), userData)
	if _, err := e.ring.enter(1, 0, false); err != nil {
		e.mu.Lock()
		delete(e.byUserData, userData)
		e.mu.Unlock()
		e.deliver(op, Result{Err: fmt.Errorf("%w: %v", errs.ErrDeviceError, err)})
	}
}

// Poll drains up to maxCompletions ring completions, optionally blocking
// for at least one, and fires any due timed ops. It returns how many
// completions (read/write + timers) it handled.
func (e *Executor) Poll(blocking bool, maxCompletions int) (int, error) {
	handled := e.fireDueTimers()

	minComplete := uint32(0)
	if blocking {
		minComplete = 1
	}
	if _, err := e.ring.enter(0, minComplete, blocking); err != nil {
		return handled, err
	}

	for i := 0; i < maxCompletions || maxCompletions <= 0; i++ {
		userData, res, ok := e.ring.popCompletion()
		if !ok {
			break
		}
		e.mu.Lock()
		op, found := e.byUserData[userData]
		delete(e.byUserData, userData)
		e.mu.Unlock()
		if !found {
			continue
		}

		e.completeRead(op)

		result := Result{N: int(res)}
		if res < 0 {
			result.Err = fmt.Errorf("%w: io error %d", errs.ErrDeviceError, res)
		}
		metrics.CompletionsTotal.WithLabelValues(opName(op.kind), outcome(result.Err)).Inc()
		metrics.IOOpDuration.WithLabelValues(opName(op.kind)).Observe(time.Since(time.Unix(0, op.submittedAtNanos)).Seconds())

		e.deliver(op, result)
		handled++
	}
	return handled, nil
}

// completeRead releases an inflight slot and promotes the next queued read,
// if any. Writes and timers never occupy an inflight slot.
func (e *Executor) completeRead(op *Op) {
	if op.kind != kindRead {
		return
	}
	e.mu.Lock()
	e.inflightReads--
	var next *Op
	if front := e.pendingReads.Front(); front != nil {
		next = e.pendingReads.Remove(front).(*Op)
		e.inflightReads++
	}
	e.mu.Unlock()
	if next != nil {
		e.submit(next, opRead)
	}
}

func (e *Executor) fireDueTimers() int {
	now := time.Now()
	e.mu.Lock()
	var due []*Op
	remaining := e.timers[:0]
	for _, t := range e.timers {
		if !now.Before(t.at) {
			due = append(due, t.op)
		} else {
			remaining = append(remaining, t)
		}
	}
	e.timers = remaining
	e.mu.Unlock()

	for _, op := range due {
		e.deliver(op, Result{})
	}
	return len(due)
}

func (e *Executor) deliver(op *Op, res Result) {
	if op.receiver != nil {
		op.receiver(op, res)
	}
}

// WaitUntilDone blocks until every submitted or queued operation has
// completed.
func (e *Executor) WaitUntilDone() {
	for {
		e.mu.Lock()
		idle := e.inflightReads == 0 && e.pendingReads.Len() == 0 && len(e.timers) == 0 && len(e.byUserData) == 0
		e.mu.Unlock()
		if idle {
			return
		}
		if _, err := e.Poll(true, 64); err != nil {
			return
		}
	}
}

// Close tears down the ring. No further Submit* calls are valid afterward.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.ring.close()
}

func opName(k opKind) string {
	switch k {
	case kindRead, kindReadScatter:
		return "read"
	case kindWrite:
		return "write"
	default:
		return "timer"
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
