package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/triedb/pkg/mpt/errs"
)

// headerLen is the fixed prefix before the packed path: flags(1) +
// child_mask(2) + path_nibble_count(2).
const headerLen = 1 + 2 + 2

// valueLenFieldSize is the width of the value_length field.
const valueLenFieldSize = 4

// Encode serializes n into its on-disk byte layout: flags byte,
// child-mask(2)+nibble-path-length(2), packed nibbles, one ChildDescriptor
// per set bit of the child mask in ascending index order, and an optional
// value_length+value trailer.
func Encode(n *Node) []byte {
	packed := PackNibbles(n.Path)
	mask := n.ChildMask()

	size := headerLen + len(packed) + n.ChildCount()*childDescriptorLen
	if n.HasValue {
		size += valueLenFieldSize + len(n.Value)
	}
	buf := make([]byte, size)

	var flags byte
	if n.HasValue {
		flags |= flagHasValue
	}
	if n.Incarnation {
		flags |= flagIncarnation
	}
	buf[0] = flags
	binary.LittleEndian.PutUint16(buf[1:3], mask)
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(n.Path)))

	off := headerLen
	off += copy(buf[off:], packed)

	for i := 0; i < MaxChildren; i++ {
		c := n.Children[i]
		if c == nil {
			continue
		}
		c.encode(buf[off : off+childDescriptorLen])
		off += childDescriptorLen
	}

	if n.HasValue {
		binary.LittleEndian.PutUint32(buf[off:off+valueLenFieldSize], uint32(len(n.Value)))
		off += valueLenFieldSize
		off += copy(buf[off:], n.Value)
	}

	return buf[:off]
}

// EncodedLen inspects a possibly over-long buffer read from disk and
// returns the exact byte length of the single encoded node at its start,
// so a reader can trim padding before calling Decode. ok is false if buf is
// too short to contain the fixed-size portion (header, path, and child
// descriptors) plus, when has_value is set, the value_length field --
// the caller should read more bytes and retry.
func EncodedLen(buf []byte) (n int, ok bool) {
	if len(buf) < headerLen {
		return 0, false
	}
	flags := buf[0]
	mask := binary.LittleEndian.Uint16(buf[1:3])
	pathLen := int(binary.LittleEndian.Uint16(buf[3:5]))

	childCount := 0
	for i := 0; i < MaxChildren; i++ {
		if mask&(1<<uint(i)) != 0 {
			childCount++
		}
	}

	off := headerLen + (pathLen+1)/2 + childCount*childDescriptorLen
	if flags&flagHasValue == 0 {
		return off, true
	}
	if off+valueLenFieldSize > len(buf) {
		return 0, false
	}
	valLen := int(binary.LittleEndian.Uint32(buf[off : off+valueLenFieldSize]))
	return off + valueLenFieldSize + valLen, true
}

// Decode parses buf into a Node, validating every length against buffer
// bounds and returning errs.ErrCorruptNode on any violation.
func Decode(buf []byte) (*Node, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: node buffer shorter than header (%d bytes)", errs.ErrCorruptNode, len(buf))
	}
	flags := buf[0]
	mask := binary.LittleEndian.Uint16(buf[1:3])
	pathLen := int(binary.LittleEndian.Uint16(buf[3:5]))

	off := headerLen
	packedLen := (pathLen + 1) / 2
	if off+packedLen > len(buf) {
		return nil, fmt.Errorf("%w: packed path of %d nibbles overruns buffer", errs.ErrCorruptNode, pathLen)
	}
	n := &Node{
		Path:        UnpackNibbles(buf[off:off+packedLen], pathLen),
		HasValue:    flags&flagHasValue != 0,
		Incarnation: flags&flagIncarnation != 0,
	}
	off += packedLen

	for i := 0; i < MaxChildren; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		if off+childDescriptorLen > len(buf) {
			return nil, fmt.Errorf("%w: child descriptor %d overruns buffer", errs.ErrCorruptNode, i)
		}
		d := decodeChildDescriptor(buf[off : off+childDescriptorLen])
		n.Children[i] = &d
		off += childDescriptorLen
	}

	if n.HasValue {
		if off+valueLenFieldSize > len(buf) {
			return nil, fmt.Errorf("%w: value_length field overruns buffer", errs.ErrCorruptNode)
		}
		valLen := int(binary.LittleEndian.Uint32(buf[off : off+valueLenFieldSize]))
		off += valueLenFieldSize
		if off+valLen > len(buf) {
			return nil, fmt.Errorf("%w: value of %d bytes overruns buffer", errs.ErrCorruptNode, valLen)
		}
		n.Value = make([]byte, valLen)
		copy(n.Value, buf[off:off+valLen])
		off += valLen
	}

	if off != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes after decode", errs.ErrCorruptNode, len(buf)-off)
	}
	return n, nil
}
