package ioexec

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring syscall numbers on linux/amd64. No golang.org/x/sys/unix wrapper
// covers io_uring_setup/enter at the version this tree pins, so the ring is
// driven directly via unix.Syscall, the same pattern already used for the
// BLKDISCARD ioctl in pkg/pool.
const (
	sysIOUringSetup  = 425
	sysIOUringEnter  = 426
	sysIOUringRegister = 427
)

// mmap offsets the kernel expects for each ring region (linux/io_uring.h).
const (
	offSQRing = 0x00000000
	offCQRing = 0x08000000
	offSQEs   = 0x10000000
)

// IORING_OP_* codes this executor issues.
const (
	opNop   = 0
	opRead  = 22
	opWrite = 23
)

const (
	uringParamsLen    = 120
	sqOffsetsOff      = 40
	cqOffsetsOff      = 80
	sqeLen            = 64
	cqeLen            = 16
	ringOffsetsFields = 7 // head,tail,ring_mask,ring_entries,flags/overflow,dropped/cqes,array
)

// sqSetupFlags mirrors struct io_uring_params.flags bits this executor uses.
const sqSetupSQPoll = 1 << 0

// ring owns the mmap'd submission and completion queues for one uring fd.
type ring struct {
	fd int

	sqMap  []byte
	cqMap  []byte
	sqeMap []byte

	sqEntries uint32
	cqEntries uint32

	// Offsets into sqMap/cqMap for the fields the kernel publishes.
	sqHeadOff, sqTailOff, sqMaskOff, sqArrayOff uint32
	cqHeadOff, cqTailOff, cqMaskOff, cqesOff    uint32
}

func setupRing(entries uint32, sqThreadCPU int) (*ring, error) {
	params := make([]byte, uringParamsLen)
	if sqThreadCPU >= 0 {
		putU32(params, 8, sqSetupSQPoll)
		putU32(params, 12, uint32(sqThreadCPU))
	}

	fd, _, errno := unix.Syscall(sysIOUringSetup, uintptr(entries), uintptr(unsafe.Pointer(&params[0])), 0)
	if errno != 0 {
		return nil, fmt.Errorf("ioexec: io_uring_setup: %w", errno)
	}

	r := &ring{fd: int(fd)}
	r.sqEntries = getU32(params, 0)
	r.cqEntries = getU32(params, 4)

	sqOff := params[sqOffsetsOff:]
	r.sqHeadOff = getU32(sqOff, 0)
	r.sqTailOff = getU32(sqOff, 4)
	r.sqMaskOff = getU32(sqOff, 8)
	r.sqArrayOff = getU32(sqOff, 24)

	cqOff := params[cqOffsetsOff:]
	r.cqHeadOff = getU32(cqOff, 0)
	r.cqTailOff = getU32(cqOff, 4)
	r.cqMaskOff = getU32(cqOff, 8)
	r.cqesOff = getU32(cqOff, 20)

	sqRingSize := r.sqArrayOff + r.sqEntries*4
	cqRingSize := r.cqesOff + r.cqEntries*cqeLen

	sqMap, err := unix.Mmap(r.fd, offSQRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(r.fd)
		return nil, fmt.Errorf("ioexec: mmap sq ring: %w", err)
	}
	cqMap, err := unix.Mmap(r.fd, offCQRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMap)
		unix.Close(r.fd)
		return nil, fmt.Errorf("ioexec: mmap cq ring: %w", err)
	}
	sqeMap, err := unix.Mmap(r.fd, offSQEs, int(r.sqEntries)*sqeLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMap)
		unix.Munmap(cqMap)
		unix.Close(r.fd)
		return nil, fmt.Errorf("ioexec: mmap sqes: %w", err)
	}

	r.sqMap, r.cqMap, r.sqeMap = sqMap, cqMap, sqeMap
	return r, nil
}

func (r *ring) close() error {
	var firstErr error
	for _, m := range [][]byte{r.sqeMap, r.cqMap, r.sqMap} {
		if m != nil {
			if err := unix.Munmap(m); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// sqMask/cqMask read the ring masks from the mmap'd rings; the kernel sets
// them at setup and never changes them.
func (r *ring) sqMask() uint32 { return getU32(r.sqMap, r.sqMaskOff) }
func (r *ring) cqMask() uint32 { return getU32(r.cqMap, r.cqMaskOff) }

// pushSubmission writes one SQE describing op at fd/off/buf and links it
// into the SQ array at the current tail. Returns the SQE index used.
func (r *ring) pushSubmission(opcode uint8, fd int, buf []byte, off uint64, userData uint64) uint32 {
	tail := atomic.LoadUint32(u32ptr(r.sqMap, r.sqTailOff))
	idx := tail & r.sqMask()

	sqe := r.sqeMap[idx*sqeLen : idx*sqeLen+sqeLen]
	for i := range sqe {
		sqe[i] = 0
	}
	sqe[0] = opcode
	putU32(sqe, 4, uint32(fd))
	putU64(sqe, 8, off)
	if len(buf) > 0 {
		putU64(sqe, 16, uint64(uintptr(unsafe.Pointer(&buf[0]))))
	}
	putU32(sqe, 24, uint32(len(buf)))
	putU64(sqe, 32, userData)

	arr := r.sqMap[r.sqArrayOff:]
	putU32(arr, idx*4, idx)

	atomic.StoreUint32(u32ptr(r.sqMap, r.sqTailOff), tail+1)
	return idx
}

// enter submits toSubmit SQEs and optionally blocks for minComplete CQEs.
func (r *ring) enter(toSubmit, minComplete uint32, blocking bool) (int, error) {
	var flags uintptr
	if blocking {
		flags = 1 // IORING_ENTER_GETEVENTS
	}
	n, _, errno := unix.Syscall6(sysIOUringEnter, uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), flags, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("ioexec: io_uring_enter: %w", errno)
	}
	return int(n), nil
}

// popCompletion pops one CQE if available, returning ok=false if the queue
// is empty.
func (r *ring) popCompletion() (userData uint64, res int32, ok bool) {
	head := atomic.LoadUint32(u32ptr(r.cqMap, r.cqHeadOff))
	tail := atomic.LoadUint32(u32ptr(r.cqMap, r.cqTailOff))
	if head == tail {
		return 0, 0, false
	}
	idx := head & r.cqMask()
	cqe := r.cqMap[r.cqesOff+idx*cqeLen:]
	userData = getU64(cqe, 0)
	res = int32(getU32(cqe, 8))
	atomic.StoreUint32(u32ptr(r.cqMap, r.cqHeadOff), head+1)
	return userData, res, true
}

func u32ptr(buf []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&buf[off]))
}

func putU32(buf []byte, off uint32, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func getU32(buf []byte, off uint32) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

func putU64(buf []byte, off uint32, v uint64) {
	putU32(buf, off, uint32(v))
	putU32(buf, off+4, uint32(v>>32))
}

func getU64(buf []byte, off uint32) uint64 {
	return uint64(getU32(buf, off)) | uint64(getU32(buf, off+4))<<32
}
