// Package device classifies and probes the capacity of a pool's backing
// sources: regular files or block devices. Zoned devices are a third,
// reserved class that traps rather than being designed around, per
// spec.md's open question on zonefs support.
package device

import (
	"fmt"
	"os"

	"github.com/cuemby/triedb/pkg/mpt/errs"
	"github.com/diskfs/go-diskfs"
	"golang.org/x/sys/unix"
)

// Class is the kind of backing store a Source uses.
type Class uint8

const (
	ClassFile Class = iota
	ClassBlockDevice
	ClassZoned
)

func (c Class) String() string {
	switch c {
	case ClassFile:
		return "file"
	case ClassBlockDevice:
		return "block_device"
	case ClassZoned:
		return "zoned"
	default:
		return "unknown"
	}
}

// Classify stats path and determines its device class.
func Classify(path string) (Class, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if os.IsNotExist(err) {
			return ClassFile, nil // not yet created; truncate mode will create a regular file
		}
		return 0, fmt.Errorf("device: stat %s: %w", path, err)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		return ClassBlockDevice, nil
	case unix.S_IFREG:
		return ClassFile, nil
	default:
		return 0, fmt.Errorf("device: %s is neither a regular file nor a block device", path)
	}
}

// Capacity returns the usable byte size of path, probing block device
// geometry with go-diskfs and falling back to a BLKGETSIZE64 ioctl if the
// higher-level probe cannot open the device (e.g. no partition table yet).
func Capacity(path string, class Class) (int64, error) {
	switch class {
	case ClassFile:
		fi, err := os.Stat(path)
		if err != nil {
			return 0, fmt.Errorf("device: stat %s: %w", path, err)
		}
		return fi.Size(), nil
	case ClassBlockDevice:
		if size, err := diskGeometrySize(path); err == nil {
			return size, nil
		}
		return blockDeviceSizeIoctl(path)
	case ClassZoned:
		return 0, errs.ErrUnsupportedDeviceClass
	default:
		return 0, fmt.Errorf("device: unknown class %v", class)
	}
}

// diskGeometrySize probes a block device's size via go-diskfs, which the
// rest of the pack (the teacher's lima-vm dependency chain) already
// carries for disk-image inspection.
func diskGeometrySize(path string) (int64, error) {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return 0, fmt.Errorf("device: open %s for geometry probe: %w", path, err)
	}
	defer d.File.Close()
	if d.Size <= 0 {
		return 0, fmt.Errorf("device: go-diskfs reported non-positive size for %s", path)
	}
	return d.Size, nil
}

// blockDeviceSizeIoctl falls back to the raw BLKGETSIZE64 ioctl when
// go-diskfs cannot interpret the device (e.g. an unformatted raw block
// device holding only a pool footer, no partition table).
func blockDeviceSizeIoctl(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("device: open %s: %w", path, err)
	}
	defer f.Close()

	size, err := unix.IoctlGetUint64(int(f.Fd()), blkGetSize64)
	if err != nil {
		return 0, fmt.Errorf("device: BLKGETSIZE64 %s: %w", path, err)
	}
	return int64(size), nil
}

// blkGetSize64 is Linux's _IOR(0x12, 114, size_t) BLKGETSIZE64 ioctl
// number, used by the original storage_pool.cpp to size block devices.
const blkGetSize64 = 0x80081272
