// Package pool owns the device file descriptors, lays out chunks, and
// hands out chunk handles -- the storage layer spec.md 4.1 describes.
package pool

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cuemby/triedb/pkg/config"
	"github.com/cuemby/triedb/pkg/log"
	"github.com/cuemby/triedb/pkg/metrics"
	"github.com/cuemby/triedb/pkg/mpt/errs"
	"github.com/cuemby/triedb/pkg/pool/device"
	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// deviceHandle is one backing source: its path, open file descriptors, and
// classification.
type deviceHandle struct {
	index      uint32
	path       string
	class      device.Class
	file       *os.File
	chunkCount uint32
	capacity   int64

	footer footer
}

// Pool owns one or more devices, their chunk layout, and the mmap'd
// pool-wide metadata region living on device 0.
type Pool struct {
	id uint32

	mu      sync.Mutex // guards list mutation and chunk activation only, never I/O
	devices []*deviceHandle
	meta    *Metadata
	metaMap mmap.MMap

	chunkCapacity    uint64
	interleave       bool
	readOnly         bool
	totalChunkCount  uint32
	activeGeneration atomic.Uint32

	closed bool
}

var poolIDSeq atomic.Uint32

// Open stats every source, classifies it, verifies or writes the footer,
// and memory-maps the pool-wide metadata region living on device 0.
func Open(cfg *config.Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.WithComponent("pool")

	p := &Pool{
		id:                poolIDSeq.Add(1),
		chunkCapacity:     1 << cfg.ChunkCapacityLog2,
		interleave:        cfg.InterleaveChunks > 1,
		readOnly:          cfg.Mode == config.OpenReadOnly,
		devices:           make([]*deviceHandle, 0, len(cfg.Sources)),
	}

	var chunkCounts []uint32
	for i, src := range cfg.Sources {
		dh, err := p.openDevice(uint32(i), src, cfg)
		if err != nil {
			p.closeDevices()
			return nil, err
		}
		p.devices = append(p.devices, dh)
		chunkCounts = append(chunkCounts, dh.chunkCount)
		p.totalChunkCount += dh.chunkCount
	}

	expectedHash := configHash(chunkCounts, p.chunkCapacity, p.interleave)
	for _, dh := range p.devices {
		// A footer loadOrWriteFooter just wrote carries no hash yet: the hash
		// covers every device's chunk count, known only once all are open.
		if dh.footer.ConfigHash == 0 && !p.readOnly {
			dh.footer.ConfigHash = expectedHash
			out := make([]byte, footerEncodedLen)
			dh.footer.encode(out)
			if _, err := dh.file.WriteAt(out, 0); err != nil {
				p.closeDevices()
				return nil, fmt.Errorf("%w: writing footer for %s: %v", errs.ErrDeviceError, dh.path, err)
			}
		}
		if err := dh.footer.verify(p.chunkCapacity, expectedHash); err != nil {
			p.closeDevices()
			return nil, err
		}
	}

	if err := p.mapMetadata(cfg); err != nil {
		p.closeDevices()
		return nil, err
	}

	if p.meta.isDirty() {
		logger.Warn().Msg("pool metadata dirty at open, rewinding wip offsets")
		p.meta.SetWIP(InvalidOffset, InvalidOffset)
	}

	logger.Info().
		Int("devices", len(p.devices)).
		Uint64("chunk_capacity", p.chunkCapacity).
		Uint32("total_chunks", p.totalChunkCount).
		Msg("pool opened")

	return p, nil
}

func (p *Pool) openDevice(index uint32, path string, cfg *config.Config) (*deviceHandle, error) {
	class, err := device.Classify(path)
	if err != nil {
		return nil, err
	}
	if class == device.ClassZoned {
		return nil, errs.ErrUnsupportedDeviceClass
	}

	flag := os.O_RDWR
	if p.readOnly {
		flag = os.O_RDONLY
	}
	if cfg.Mode == config.OpenReadWrite {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pool: open %s: %w", path, err)
	}

	capacity, err := device.Capacity(path, class)
	if err != nil {
		f.Close()
		return nil, err
	}

	chunkCount := uint32(uint64(capacity) / p.chunkCapacity)
	if chunkCount == 0 {
		chunkCount = 1
	}

	dh := &deviceHandle{
		index:      index,
		path:       path,
		class:      class,
		file:       f,
		chunkCount: chunkCount,
		capacity:   capacity,
	}

	if err := p.loadOrWriteFooter(dh); err != nil {
		f.Close()
		return nil, err
	}

	return dh, nil
}

func (p *Pool) loadOrWriteFooter(dh *deviceHandle) error {
	buf := make([]byte, footerEncodedLen)
	n, err := dh.file.ReadAt(buf, 0)
	// A brand new file (short read) or a pre-sized-but-never-written one
	// (full read of zeros, no magic) both mean "write a fresh footer".
	if (err != nil && n < footerEncodedLen) || string(buf[0:8]) != magic {
		dh.footer = footer{
			ChunkCapacity: p.chunkCapacity,
			DeviceIndex:   dh.index,
			ChunkCount:    dh.chunkCount,
		}
		copy(dh.footer.Magic[:], magic)
		out := make([]byte, footerEncodedLen)
		dh.footer.encode(out)
		if _, werr := dh.file.WriteAt(out, 0); werr != nil {
			return fmt.Errorf("%w: writing footer for %s: %v", errs.ErrDeviceError, dh.path, werr)
		}
		return nil
	}

	f, derr := decodeFooter(buf)
	if derr != nil {
		return derr
	}
	dh.footer = f
	return nil
}

func (p *Pool) closeDevices() {
	for _, dh := range p.devices {
		if dh.file != nil {
			dh.file.Close()
		}
	}
}

// mapMetadata mmaps the pool-wide metadata region, which lives one page
// before device 0's footer and spans requiredMetadataLen(totalChunkCount).
func (p *Pool) mapMetadata(cfg *config.Config) error {
	if len(p.devices) == 0 {
		return fmt.Errorf("pool: no devices to host metadata")
	}
	dev0 := p.devices[0]

	needed := requiredMetadataLen(p.totalChunkCount)
	needed = int(align(uint64(needed), pageSize))

	fi, err := dev0.file.Stat()
	if err != nil {
		return fmt.Errorf("pool: stat device 0: %w", err)
	}
	if fi.Size() < int64(needed) {
		if err := dev0.file.Truncate(int64(needed)); err != nil {
			return fmt.Errorf("pool: grow metadata region: %w", err)
		}
	}

	prot := mmap.RDWR
	if p.readOnly {
		prot = mmap.RDONLY
	}
	m, err := mmap.MapRegion(dev0.file, needed, prot, 0, 0)
	if err != nil {
		return fmt.Errorf("pool: mmap metadata region: %w", err)
	}
	p.metaMap = m
	p.meta = newMetadata(m, p.totalChunkCount)

	if err := p.meta.checkMagic(); err != nil {
		// Fresh pool: initialize.
		p.meta.writeMagicAndCounts()
		p.meta.setVersionLowerBoundIfUnset()
		p.meta.SetHistoryLength(cfg.HistoryLength)
		p.initLists()
	}
	return nil
}

func align(v, to uint64) uint64 {
	return (v + to - 1) / to * to
}

// blkDiscardIoctl is Linux's BLKDISCARD ioctl number, taking a two-element
// {start, len} uint64 range.
const blkDiscardIoctl = 0x1277

// blkDiscard issues a BLKDISCARD ioctl over [start, start+length) on the
// block device backing fd.
func blkDiscard(fd uintptr, start, length uint64) error {
	rng := [2]uint64{start, length}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(blkDiscardIoctl), uintptr(unsafe.Pointer(&rng)))
	if errno != 0 {
		return errno
	}
	return nil
}

// initLists puts every chunk beyond device 0's conventional chunk 0 onto
// the free list. With interleave_chunks set, the list is built so draws
// from it (see AllocateChunk) alternate across devices in proportion to
// each device's chunk count (spec.md 4.1's A:B:C ratio); otherwise it is
// built device-contiguously.
func (p *Pool) initLists() {
	p.meta.writeIDPair(listFree, emptyIDPair())
	p.meta.writeIDPair(listFast, emptyIDPair())
	p.meta.writeIDPair(listSlow, emptyIDPair())

	if p.interleave && len(p.devices) > 1 {
		p.initListsInterleaved()
		return
	}

	var id uint32
	for _, dh := range p.devices {
		start := uint32(0)
		if dh.index == 0 {
			start = 1 // chunk 0 holds the conventional/footer region
		}
		for c := start; c < dh.chunkCount; c++ {
			p.appendToList(listFree, id+c)
		}
		id += dh.chunkCount
	}
}

// deviceWeight tracks one device's contribution to the interleaved free
// list: its next un-emitted global chunk id, how many chunks it still has
// to give, and its running weighted-round-robin credit.
type deviceWeight struct {
	next   uint32
	remain uint32
	weight int64
	credit int64
}

// initListsInterleaved orders the free list across devices by the same
// smooth weighted round-robin nginx uses to spread requests across
// upstream servers by weight: each device's weight is its chunk count, so
// over any full cycle the chunks drawn from each device land in the ratio
// of the devices' relative capacities, exactly the A:B:C distribution
// spec.md 4.1 names, rather than exhausting one device before the next.
func (p *Pool) initListsInterleaved() {
	devices := make([]*deviceWeight, 0, len(p.devices))
	var base uint32
	var totalWeight int64
	var remaining uint32
	for _, dh := range p.devices {
		start := uint32(0)
		if dh.index == 0 {
			start = 1
		}
		count := dh.chunkCount - start
		devices = append(devices, &deviceWeight{
			next:   base + start,
			remain: count,
			weight: int64(dh.chunkCount),
		})
		totalWeight += int64(dh.chunkCount)
		remaining += count
		base += dh.chunkCount
	}

	for remaining > 0 {
		var pick *deviceWeight
		for _, d := range devices {
			if d.remain == 0 {
				continue
			}
			d.credit += d.weight
			if pick == nil || d.credit > pick.credit {
				pick = d
			}
		}
		pick.credit -= totalWeight
		p.appendToList(listFree, pick.next)
		pick.next++
		pick.remain--
		remaining--
	}
}

// appendToList appends chunk id to the named list. Callers must hold p.mu.
func (p *Pool) appendToList(which int, id uint32) {
	list := p.meta.readIDPair(which)
	info := chunkInfo{PrevID: InvalidChunkID, NextID: InvalidChunkID}
	info.InFast = which == listFast
	info.InSlow = which == listSlow

	if list.End == InvalidChunkID {
		list.Begin, list.End = id, id
	} else {
		tail := p.meta.readChunkInfo(list.End)
		info.PrevID = list.End
		info.InsertionCount = tail.InsertionCount + 1
		tail.NextID = id
		p.meta.writeChunkInfo(list.End, tail)
		list.End = id
	}
	p.meta.writeChunkInfo(id, info)
	p.meta.writeIDPair(which, list)
}

// removeFromList unlinks chunk id from whichever list it currently sits
// on. Callers must hold p.mu.
func (p *Pool) removeFromList(id uint32) {
	info := p.meta.readChunkInfo(id)
	which := listFree
	if info.InFast {
		which = listFast
	} else if info.InSlow {
		which = listSlow
	}
	list := p.meta.readIDPair(which)

	if info.PrevID == InvalidChunkID && info.NextID == InvalidChunkID {
		list.Begin, list.End = InvalidChunkID, InvalidChunkID
	} else if info.PrevID == InvalidChunkID {
		next := p.meta.readChunkInfo(info.NextID)
		next.PrevID = InvalidChunkID
		p.meta.writeChunkInfo(info.NextID, next)
		list.Begin = info.NextID
	} else if info.NextID == InvalidChunkID {
		prev := p.meta.readChunkInfo(info.PrevID)
		prev.NextID = InvalidChunkID
		p.meta.writeChunkInfo(info.PrevID, prev)
		list.End = info.PrevID
	} else {
		prev := p.meta.readChunkInfo(info.PrevID)
		next := p.meta.readChunkInfo(info.NextID)
		prev.NextID = info.NextID
		next.PrevID = info.PrevID
		p.meta.writeChunkInfo(info.PrevID, prev)
		p.meta.writeChunkInfo(info.NextID, next)
	}
	p.meta.writeIDPair(which, list)

	info.InFast, info.InSlow = false, false
	info.PrevID, info.NextID = InvalidChunkID, InvalidChunkID
	p.meta.writeChunkInfo(id, info)
}

// FreeListHead returns the chunk id at the head of the free list, or
// InvalidChunkID if empty. Takes the pool lock itself.
func (p *Pool) FreeListHead() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.readIDPair(listFree).Begin
}

// FastListAppend moves chunk id onto the tail of the fast list.
func (p *Pool) FastListAppend(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta.holdDirty(func() {
		p.removeFromList(id)
		p.appendToList(listFast, id)
	})
}

// SlowListAppend moves chunk id onto the tail of the slow list.
func (p *Pool) SlowListAppend(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta.holdDirty(func() {
		p.removeFromList(id)
		p.appendToList(listSlow, id)
	})
}

// RemoveFromList unlinks id from whichever list currently holds it.
func (p *Pool) RemoveFromList(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta.holdDirty(func() {
		p.removeFromList(id)
	})
}

// SlowListHead returns the chunk id at the head of the slow list, or
// InvalidChunkID if empty.
func (p *Pool) SlowListHead() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.readIDPair(listSlow).Begin
}

// ChunkNext returns the chunk id following id on whichever list currently
// holds it, or InvalidChunkID at the tail.
func (p *Pool) ChunkNext(id uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.readChunkInfo(id).NextID
}

// ReleaseChunk unlinks id from its current list and returns it to the free
// list, for compaction to reclaim a chunk once nothing live remains in it.
func (p *Pool) ReleaseChunk(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta.holdDirty(func() {
		p.removeFromList(id)
		p.appendToList(listFree, id)
	})
}

// Chunk returns a handle for chunk id of the given class. It is idempotent
// and reference-counted at the generation level: concurrent activations of
// the same id observe the same Generation.
func (p *Pool) Chunk(class ChunkClass, id uint32) (Handle, error) {
	checked, err := NewChunkID20(id)
	if err != nil {
		return Handle{}, fmt.Errorf("pool: chunk %d: %w", id, err)
	}
	if checked.Uint32() >= p.totalChunkCount {
		return Handle{}, fmt.Errorf("pool: chunk %d: %w", id, errs.ErrKeyNotFound)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.meta.readChunkInfo(id)
	return Handle{PoolID: p.id, Class: class, ChunkID: id, Generation: info.InsertionCount}, nil
}

// ActivateChunk ensures the correct cached/direct file descriptor pair is
// available for handle's chunk and validates its generation is still
// current, detecting a stale handle without dereferencing anything.
func (p *Pool) ActivateChunk(h Handle) error {
	if h.PoolID != p.id {
		return fmt.Errorf("pool: handle %s does not belong to this pool: %w", h, errs.ErrInvariantViolation)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.meta.readChunkInfo(h.ChunkID)
	if info.InsertionCount != h.Generation {
		return fmt.Errorf("pool: stale handle %s (current generation %d): %w", h, info.InsertionCount, errs.ErrInvariantViolation)
	}
	return nil
}

// deviceForChunk locates which device owns chunk id and the local chunk
// index within that device.
func (p *Pool) deviceForChunk(id uint32) (*deviceHandle, uint32) {
	for _, dh := range p.devices {
		if id < dh.chunkCount {
			return dh, id
		}
		id -= dh.chunkCount
	}
	return nil, 0
}

// DestroyChunkContents hole-punches (files) or discards (block devices) the
// chunk's extent and resets its live-byte counter to zero.
func (p *Pool) DestroyChunkContents(h Handle) error {
	p.mu.Lock()
	dh, localID := p.deviceForChunk(h.ChunkID)
	p.mu.Unlock()
	if dh == nil {
		return fmt.Errorf("pool: chunk %d: %w", h.ChunkID, errs.ErrKeyNotFound)
	}

	off := int64(localID) * int64(p.chunkCapacity)
	switch dh.class {
	case device.ClassFile:
		err := unix.Fallocate(int(dh.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, int64(p.chunkCapacity))
		if err != nil {
			return fmt.Errorf("%w: hole-punch chunk %d: %v", errs.ErrDeviceError, h.ChunkID, err)
		}
	case device.ClassBlockDevice:
		if err := blkDiscard(dh.file.Fd(), uint64(off), p.chunkCapacity); err != nil {
			return fmt.Errorf("%w: discard chunk %d: %v", errs.ErrDeviceError, h.ChunkID, err)
		}
	default:
		return errs.ErrUnsupportedDeviceClass
	}

	p.mu.Lock()
	info := p.meta.readChunkInfo(h.ChunkID)
	info.UsedBytes = 0
	info.InsertionCount++ // bump generation so stale handles are detected
	p.meta.writeChunkInfo(h.ChunkID, info)
	p.mu.Unlock()
	return nil
}

// AllocateChunk pops the head of the free list and appends it to the fast
// or slow list, returning errs.ErrPoolExhausted if the free list is empty.
// Callers hold no lock across this call; list mutation is internally
// synchronized and dirty-protected.
func (p *Pool) AllocateChunk(toFast bool) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.meta.readIDPair(listFree).Begin
	if id == InvalidChunkID {
		return InvalidChunkID, errs.ErrPoolExhausted
	}
	which := listSlow
	if toFast {
		which = listFast
	}
	p.meta.holdDirty(func() {
		p.removeFromList(id)
		p.appendToList(which, id)
	})
	return id, nil
}

// AddUsedBytes increments chunk id's live-byte counter by n, the append-only
// accounting for sequential chunks. Returns errs.ErrInvariantViolation if
// the increment would exceed the chunk's capacity.
func (p *Pool) AddUsedBytes(id uint32, n uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.meta.readChunkInfo(id)
	if uint64(info.UsedBytes)+uint64(n) > p.chunkCapacity {
		return fmt.Errorf("pool: chunk %d: used bytes would exceed capacity: %w", id, errs.ErrInvariantViolation)
	}
	info.UsedBytes += n
	p.meta.writeChunkInfo(id, info)
	return nil
}

// SubtractUsedBytes decrements chunk id's live-byte counter by n, the
// counterpart to AddUsedBytes used when a node superseded by a rewrite is
// finally proven unreachable by every retained version (pkg/mpt's
// sweepTombstones). Returns errs.ErrInvariantViolation if the decrement
// would underflow.
func (p *Pool) SubtractUsedBytes(id uint32, n uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.meta.readChunkInfo(id)
	if n > info.UsedBytes {
		return fmt.Errorf("pool: chunk %d: used bytes would underflow: %w", id, errs.ErrInvariantViolation)
	}
	info.UsedBytes -= n
	p.meta.writeChunkInfo(id, info)
	return nil
}

// FileDescriptor returns the raw fd and absolute byte offset for byteOffset
// bytes into chunk id, letting pkg/ioexec submit uring operations directly
// against the owning device.
func (p *Pool) FileDescriptor(id uint32, byteOffset uint64) (fd int, absOffset int64, err error) {
	p.mu.Lock()
	dh, localID := p.deviceForChunk(id)
	p.mu.Unlock()
	if dh == nil {
		return 0, 0, fmt.Errorf("pool: chunk %d: %w", id, errs.ErrKeyNotFound)
	}
	base := int64(localID) * int64(p.chunkCapacity)
	return int(dh.file.Fd()), base + int64(byteOffset), nil
}

// ChunkUsedBytes returns the current live-byte count for chunk id.
func (p *Pool) ChunkUsedBytes(id uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.readChunkInfo(id).UsedBytes
}

// ChunkCapacity returns the fixed chunk size in bytes.
func (p *Pool) ChunkCapacity() uint64 { return p.chunkCapacity }

// TotalChunkCount returns the number of chunks across every device.
func (p *Pool) TotalChunkCount() uint32 { return p.totalChunkCount }

// Metadata exposes the decoded metadata region for packages that must read
// the root-offsets ring and watermarks directly (pkg/mpt, pkg/roview).
func (p *Pool) Metadata() *Metadata { return p.meta }

// Close unmaps the metadata region and closes every device file.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var firstErr error
	if p.metaMap != nil {
		if err := p.metaMap.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, dh := range p.devices {
		if err := dh.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Snapshot implements metrics.Source.
func (p *Pool) Snapshot() metrics.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := func(which int) int {
		n := 0
		id := p.meta.readIDPair(which).Begin
		for id != InvalidChunkID {
			n++
			id = p.meta.readChunkInfo(id).NextID
		}
		return n
	}
	used := int64(0)
	for _, which := range []int{listFast, listSlow} {
		for id := p.meta.readIDPair(which).Begin; id != InvalidChunkID; {
			info := p.meta.readChunkInfo(id)
			used += int64(info.UsedBytes)
			id = info.NextID
		}
	}

	return metrics.Snapshot{
		FreeChunks:       map[string]int{"sequential": count(listFree)},
		FastChunks:       map[string]int{"sequential": count(listFast)},
		SlowChunks:       map[string]int{"sequential": count(listSlow)},
		ActiveChunks:     map[string]int{},
		BytesUsed:        map[string]int64{"sequential": used},
		Dirty:            p.meta.isDirty(),
		CurrentVersion:   p.meta.nextVersion() - 1,
		FinalizedVersion: p.meta.LatestFinalizedVersion(),
		VerifiedVersion:  p.meta.LatestVerifiedVersion(),
		HistoryLength:    p.meta.HistoryLength(),
	}
}
