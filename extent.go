package xfs

import (
	"encoding/binary"
	"fmt"

	"github.com/davidminor/uint128"
)

// Extent is one record of a file's block map: a contiguous run of file
// blocks mapped to a contiguous run of filesystem blocks. An unwritten
// extent is allocated but reads back as zeroes until written.
type Extent struct {
	FileOff   uint64 // offset within the file, in blocks
	Start     uint64 // first filesystem block
	Count     uint64 // number of blocks
	Unwritten bool
}

// on-disk packed extent record field widths
const (
	extCountBits = 21
	extStartBits = 52
	extOffBits   = 54

	extCountMask = uint64(1)<<extCountBits - 1
	extStartMask = uint64(1)<<extStartBits - 1
	extOffMask   = uint64(1)<<extOffBits - 1

	extRecordSize = 16
)

// packExtent encodes an extent into its 128-bit big-endian on-disk form:
// flag(1) | fileoff(54) | start(52) | count(21), most significant first.
func packExtent(e Extent) [extRecordSize]byte {
	var rec uint128.Uint128

	count := uint128.Uint128{L: e.Count & extCountMask}
	start := uint128.Uint128{L: e.Start & extStartMask}.ShiftLeft(extCountBits)
	off := uint128.Uint128{L: e.FileOff & extOffMask}.ShiftLeft(extCountBits + extStartBits)

	rec = count.Or(start).Or(off)
	if e.Unwritten {
		rec = rec.Or(uint128.Uint128{H: 1 << 63})
	}

	var out [extRecordSize]byte
	binary.BigEndian.PutUint64(out[0:], rec.H)
	binary.BigEndian.PutUint64(out[8:], rec.L)
	return out
}

// unpackExtent decodes a 128-bit on-disk extent record.
func unpackExtent(buf []byte) Extent {
	rec := uint128.Uint128{
		H: binary.BigEndian.Uint64(buf[0:]),
		L: binary.BigEndian.Uint64(buf[8:]),
	}

	return Extent{
		Count:     rec.L & extCountMask,
		Start:     rec.ShiftRight(extCountBits).L & extStartMask,
		FileOff:   rec.ShiftRight(extCountBits+extStartBits).L & extOffMask,
		Unwritten: rec.H>>63 != 0,
	}
}

// readExtents returns the data fork's extent list in file offset order,
// decoding either the inline extent array or the b+tree rooted in the fork.
func (v *Volume) readExtents(ip *Inode) ([]Extent, error) {
	switch ip.Core.Format {
	case InodeFormatExtents:
		return ip.Extents, nil
	case InodeFormatBTree:
		return v.readBMapBTree(ip)
	case InodeFormatLocal, InodeFormatDev, InodeFormatUUID:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: inode %d has bad fork format %d", ErrCorrupt, ip.Ino, ip.Core.Format)
	}
}

// forEachExtent walks the data fork's extents in file offset order; a b+tree
// fork is decoded in full before the walk starts.
// Returning false from fn stops the walk.
func (v *Volume) forEachExtent(ip *Inode, fn func(e Extent) bool) error {
	if ip.Core.Format == InodeFormatExtents {
		for _, e := range ip.Extents {
			if !fn(e) {
				return nil
			}
		}
		return nil
	}
	extents, err := v.readExtents(ip)
	if err != nil {
		return err
	}
	for _, e := range extents {
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// readBMapBTree decodes a b+tree format data fork: the in-inode root holds
// keys and block pointers; leaves hold packed extent records and are chained
// through their right sibling pointers.
func (v *Volume) readBMapBTree(ip *Inode) ([]Extent, error) {
	root := ip.btreeRoot
	if len(root) < 4 {
		return nil, fmt.Errorf("%w: inode %d btree root too small", ErrCorrupt, ip.Ino)
	}
	level := binary.BigEndian.Uint16(root[0:])
	numrecs := binary.BigEndian.Uint16(root[2:])
	if level == 0 || numrecs == 0 {
		return nil, fmt.Errorf("%w: inode %d empty btree root", ErrCorrupt, ip.Ino)
	}

	// pointers sit in the upper half of the root; the split point depends on
	// the root's capacity, not its population
	maxrecs := (len(root) - 4) / extRecordSize
	if int(numrecs) > maxrecs {
		return nil, fmt.Errorf("%w: inode %d btree root overflow", ErrCorrupt, ip.Ino)
	}
	ptrOff := 4 + maxrecs*8
	fsb := binary.BigEndian.Uint64(root[ptrOff:])

	// descend along the leftmost spine
	for lvl := level; lvl > 1; lvl-- {
		blk, err := v.bc.read(v.fsbToDaddr(fsb), int(v.sb.BlockSize))
		if err != nil {
			return nil, err
		}
		hdrSize, _, nrecs, err := v.checkBMapBlock(blk.Data, lvl-1)
		if err != nil {
			return nil, err
		}
		if nrecs == 0 {
			return nil, fmt.Errorf("%w: empty bmbt node at fsb %d", ErrCorrupt, fsb)
		}
		nodeMax := (int(v.sb.BlockSize) - hdrSize) / extRecordSize
		fsb = binary.BigEndian.Uint64(blk.Data[hdrSize+nodeMax*8:])
	}

	// walk the leaf chain
	var extents []Extent
	for fsb != NullFSBlock {
		blk, err := v.bc.read(v.fsbToDaddr(fsb), int(v.sb.BlockSize))
		if err != nil {
			return nil, err
		}
		hdrSize, right, nrecs, err := v.checkBMapBlock(blk.Data, 0)
		if err != nil {
			return nil, err
		}
		for i := 0; i < nrecs; i++ {
			extents = append(extents, unpackExtent(blk.Data[hdrSize+i*extRecordSize:]))
		}
		fsb = right
	}
	return extents, nil
}

// checkBMapBlock validates a bmbt block header and returns its size, right
// sibling and record count.
func (v *Volume) checkBMapBlock(data []byte, wantLevel uint16) (hdrSize int, right uint64, nrecs int, err error) {
	magic := binary.BigEndian.Uint32(data[0:])
	switch magic {
	case BMapMagicNumber:
		hdrSize = 24
	case BMap3MagicNumber:
		hdrSize = 72
		if !VerifyCksum(data, btreeLCRCOffset) {
			return 0, 0, 0, fmt.Errorf("%w: bmbt block checksum mismatch", ErrCorrupt)
		}
	default:
		return 0, 0, 0, fmt.Errorf("%w: bad bmbt magic %#x", ErrCorrupt, magic)
	}
	level := binary.BigEndian.Uint16(data[4:])
	if level != wantLevel {
		return 0, 0, 0, fmt.Errorf("%w: bmbt level %d, expected %d", ErrCorrupt, level, wantLevel)
	}
	nrecs = int(binary.BigEndian.Uint16(data[6:]))
	right = binary.BigEndian.Uint64(data[16:])
	return hdrSize, right, nrecs, nil
}

// crc offset within a V5 long-form (64-bit sibling) btree block
const btreeLCRCOffset = 64

// btreeMetaBlocks lists the filesystem blocks occupied by the b+tree
// structure itself (nodes and leaves), which must be freed alongside the
// data when the fork goes away.
func (v *Volume) btreeMetaBlocks(ip *Inode) ([]uint64, error) {
	if ip.Core.Format != InodeFormatBTree {
		return nil, nil
	}
	root := ip.btreeRoot
	if len(root) < 4 {
		return nil, fmt.Errorf("%w: inode %d btree root too small", ErrCorrupt, ip.Ino)
	}
	level := binary.BigEndian.Uint16(root[0:])
	maxrecs := (len(root) - 4) / extRecordSize
	ptrOff := 4 + maxrecs*8
	leftmost := binary.BigEndian.Uint64(root[ptrOff:])

	var out []uint64
	for lvl := level; lvl >= 1; lvl-- {
		fsb := leftmost
		first := true
		for fsb != NullFSBlock {
			blk, err := v.bc.read(v.fsbToDaddr(fsb), int(v.sb.BlockSize))
			if err != nil {
				return nil, err
			}
			hdrSize, right, nrecs, err := v.checkBMapBlock(blk.Data, lvl-1)
			if err != nil {
				return nil, err
			}
			if first && lvl > 1 {
				if nrecs == 0 {
					return nil, fmt.Errorf("%w: empty bmbt node at fsb %d", ErrCorrupt, fsb)
				}
				nodeMax := (int(v.sb.BlockSize) - hdrSize) / extRecordSize
				leftmost = binary.BigEndian.Uint64(blk.Data[hdrSize+nodeMax*8:])
				first = false
			}
			out = append(out, fsb)
			fsb = right
		}
	}
	return out, nil
}

// extentsEnd returns one past the last mapped file block.
func extentsEnd(extents []Extent) uint64 {
	if len(extents) == 0 {
		return 0
	}
	last := extents[len(extents)-1]
	return last.FileOff + last.Count
}

// lookupExtent finds the extent containing file block fb, or nil if fb falls
// in a hole.
func lookupExtent(extents []Extent, fb uint64) *Extent {
	for i := range extents {
		e := &extents[i]
		if fb >= e.FileOff && fb < e.FileOff+e.Count {
			return e
		}
	}
	return nil
}
