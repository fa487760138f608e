package xfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Volume is a mounted XFS filesystem. All operations on the volume engine go
// through it; there is no process-wide mount state.
type Volume struct {
	mu sync.Mutex

	dev    BlockDevice
	closer io.Closer

	sb       SuperBlock
	readonly bool
	shutdown bool
	sbDirty  bool

	bc     *bufCache
	inodes map[uint64]*Inode
}

// Mount opens the named device or image file and mounts the filesystem found
// on it. Mounts are read-only unless ReadWrite() is passed.
func Mount(path string, options ...Option) (*Volume, error) {
	probe := &Volume{readonly: true}
	for _, opt := range options {
		if err := opt(probe); err != nil {
			return nil, err
		}
	}

	flag := os.O_RDONLY
	if !probe.readonly {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	v, err := MountDevice(f, options...)
	if err != nil {
		f.Close()
		return nil, err
	}
	v.closer = f
	return v, nil
}

// MountDevice mounts the filesystem on an already opened device.
func MountDevice(dev BlockDevice, options ...Option) (*Volume, error) {
	v := &Volume{
		dev:      dev,
		readonly: true,
		inodes:   map[uint64]*Inode{},
	}

	for _, opt := range options {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	// the superblock lives in the first sector; sector size is not known
	// until it has been parsed, so read the largest legal sector
	head := make([]byte, 1<<15)
	if _, err := dev.ReadAt(head, 0); err != nil {
		return nil, err
	}
	if err := v.sb.UnmarshalBinary(head); err != nil {
		return nil, err
	}
	if err := v.sb.Validate(); err != nil {
		return nil, err
	}

	if v.sb.InProgress != 0 {
		return nil, fmt.Errorf("%w: mkfs in progress", ErrInvalidSuper)
	}
	if v.sb.LogStart == 0 {
		return nil, fmt.Errorf("%w: external log devices not supported", ErrNotSupported)
	}
	if v.sb.RealtimeExtents != 0 {
		return nil, fmt.Errorf("%w: realtime section not supported", ErrNotSupported)
	}

	if v.sb.HasCRC() {
		if !VerifyCksum(head[:v.sb.SectorSize], SBCRCOffset) {
			return nil, fmt.Errorf("%w: superblock checksum mismatch", ErrCorrupt)
		}
	}

	if v.bc == nil {
		v.bc = newBufCache(dev, defaultBufCacheSize)
	}

	logrus.Debugf("xfs: mounted volume uuid=%x blocks=%d ags=%d v5=%v readonly=%v",
		v.sb.UUID, v.sb.DataBlocks, v.sb.AGCount, v.sb.HasCRC(), v.readonly)

	return v, nil
}

// Unmount flushes all dirty state and, on a read-write mount, writes the
// superblock back. The volume must not be used afterwards.
func (v *Volume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.readonly && !v.shutdown {
		if err := v.bc.flush(); err != nil {
			return err
		}
		if err := v.writeSuper(); err != nil {
			return err
		}
	}
	v.inodes = map[uint64]*Inode{}
	if v.closer != nil {
		err := v.closer.Close()
		v.closer = nil
		return err
	}
	return nil
}

// writeSuper serializes the in-memory superblock into sector 0.
func (v *Volume) writeSuper() error {
	buf := make([]byte, v.sb.SectorSize)
	if err := v.sb.MarshalInto(buf); err != nil {
		return err
	}
	if v.sb.HasCRC() {
		UpdateCksum(buf, SBCRCOffset)
	}
	if _, err := v.dev.WriteAt(buf, 0); err != nil {
		return err
	}
	v.sbDirty = false
	return nil
}

// ReadOnly reports whether the volume was mounted read-only.
func (v *Volume) ReadOnly() bool {
	return v.readonly
}

// Super returns a copy of the parsed superblock.
func (v *Volume) Super() SuperBlock {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sb
}

// writable gates every mutating entry point.
func (v *Volume) writable() error {
	if v.shutdown {
		return ErrShutdown
	}
	if v.readonly {
		return ErrReadOnly
	}
	return nil
}

// forceShutdown marks the mount dead after an aborted transaction. Every
// subsequent write operation fails until unmount.
func (v *Volume) forceShutdown(reason error) {
	if !v.shutdown {
		logrus.Errorf("xfs: forcing shutdown: %s", reason)
		v.shutdown = true
	}
}

// UnmarshalBinary decodes the big-endian on-disk superblock.
func (sb *SuperBlock) UnmarshalBinary(data []byte) error {
	if len(data) < 4 || binary.BigEndian.Uint32(data) != SBMagicNumber {
		return ErrInvalidFile
	}
	return binary.Read(bytes.NewReader(data), binary.BigEndian, sb)
}

// MarshalInto encodes the superblock into buf, which must be at least one
// sector long. Bytes past the encoded structure are left untouched.
func (sb *SuperBlock) MarshalInto(buf []byte) error {
	w := new(bytes.Buffer)
	if err := binary.Write(w, binary.BigEndian, sb); err != nil {
		return err
	}
	if len(buf) < w.Len() {
		return ErrInvalid
	}
	copy(buf, w.Bytes())
	return nil
}

// Validate checks the invariants a superblock must satisfy before the
// geometry derived from it can be trusted.
func (sb *SuperBlock) Validate() error {
	if sb.MagicNumber != SBMagicNumber {
		return ErrInvalidFile
	}
	switch sb.VersionNum & VersionNumberMask {
	case Version4, Version5:
	default:
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSuper, sb.VersionNum&VersionNumberMask)
	}
	if sb.BlockSize < 512 || sb.BlockSize > 65536 || sb.BlockSize&(sb.BlockSize-1) != 0 {
		return fmt.Errorf("%w: bad block size %d", ErrInvalidSuper, sb.BlockSize)
	}
	if uint32(1)<<sb.BlockSizeLog != sb.BlockSize {
		return fmt.Errorf("%w: block size log mismatch", ErrInvalidSuper)
	}
	if sb.SectorSize < 512 || uint16(1)<<sb.SectorSizeLog != sb.SectorSize {
		return fmt.Errorf("%w: bad sector size %d", ErrInvalidSuper, sb.SectorSize)
	}
	if sb.InodeSize < 256 || uint16(1)<<sb.InodeSizeLog != sb.InodeSize {
		return fmt.Errorf("%w: bad inode size %d", ErrInvalidSuper, sb.InodeSize)
	}
	if sb.InodesPerBlock == 0 || uint32(sb.InodesPerBlock)*uint32(sb.InodeSize) != sb.BlockSize {
		return fmt.Errorf("%w: inodes per block inconsistent", ErrInvalidSuper)
	}
	if sb.AGCount == 0 || sb.AGBlocks == 0 {
		return fmt.Errorf("%w: no allocation groups", ErrInvalidSuper)
	}
	if sb.DataBlocks == 0 ||
		sb.DataBlocks > uint64(sb.AGCount)*uint64(sb.AGBlocks) ||
		sb.DataBlocks <= uint64(sb.AGCount-1)*uint64(sb.AGBlocks) {
		return fmt.Errorf("%w: data block count inconsistent with AG geometry", ErrInvalidSuper)
	}
	if sb.RootInode == 0 {
		return fmt.Errorf("%w: zero root inode", ErrInvalidSuper)
	}
	return nil
}

// HasCRC reports whether this is a V5 (CRC-enabled) filesystem.
func (sb *SuperBlock) HasCRC() bool {
	return sb.VersionNum&VersionNumberMask == Version5
}

// HasFtype reports whether directory entries carry a file type byte.
func (sb *SuperBlock) HasFtype() bool {
	if sb.HasCRC() {
		return sb.FeaturesIncompat&IncompatFtype != 0
	}
	return sb.VersionNum&VersionMoreBitsBit != 0 && sb.Features2&Version2FtypeBit != 0
}

// HasBigtime reports whether V3 inodes may use 64-bit nanosecond timestamps.
func (sb *SuperBlock) HasBigtime() bool {
	return sb.HasCRC() && sb.FeaturesIncompat&IncompatBigtime != 0
}

// MaxLink returns the largest permitted link count for this filesystem.
func (sb *SuperBlock) MaxLink() uint32 {
	if sb.VersionNum&VersionNlinkBit != 0 || sb.HasCRC() {
		return MaxLink
	}
	return MaxLinkV1
}

//
// geometry
//

func (v *Volume) blockSize() int64 {
	return int64(v.sb.BlockSize)
}

func (v *Volume) dirBlockSize() int64 {
	return v.blockSize() << v.sb.DirectoryBlocksLog
}

// dirBlkFsbs is the number of filesystem blocks per directory block.
func (v *Volume) dirBlkFsbs() uint64 {
	return uint64(1) << v.sb.DirectoryBlocksLog
}

// fsbToDaddr translates an absolute (AG-encoded) filesystem block number to
// a basic block address on the device.
func (v *Volume) fsbToDaddr(fsb uint64) int64 {
	ag := fsb >> v.sb.AGBlocksLog
	agbno := fsb & (uint64(1)<<v.sb.AGBlocksLog - 1)
	blk := ag*uint64(v.sb.AGBlocks) + agbno
	return int64(blk) << (v.sb.BlockSizeLog - BBShift)
}

// agbDaddr translates (AG, AG-relative block) to a basic block address.
func (v *Volume) agbDaddr(ag uint32, agbno uint32) int64 {
	blk := uint64(ag)*uint64(v.sb.AGBlocks) + uint64(agbno)
	return int64(blk) << (v.sb.BlockSizeLog - BBShift)
}

// agSectorDaddr returns the device address of one of the per-AG header
// sectors (SBSector, AGFSector, AGISector, AGFLSector).
func (v *Volume) agSectorDaddr(ag uint32, sector int64) int64 {
	return v.agbDaddr(ag, 0) + sector<<(v.sb.SectorSizeLog-BBShift)
}

// mkfsb builds an absolute filesystem block number from AG and AG-relative
// block.
func (v *Volume) mkfsb(ag uint32, agbno uint32) uint64 {
	return uint64(ag)<<v.sb.AGBlocksLog | uint64(agbno)
}

func (v *Volume) fsbToAG(fsb uint64) uint32 {
	return uint32(fsb >> v.sb.AGBlocksLog)
}

func (v *Volume) fsbToAGBlock(fsb uint64) uint32 {
	return uint32(fsb & (uint64(1)<<v.sb.AGBlocksLog - 1))
}

// inoToAG extracts the allocation group from an inode number.
func (v *Volume) inoToAG(ino uint64) uint32 {
	return uint32(ino >> (v.sb.AGBlocksLog + v.sb.InodesPerBlockLog))
}

// inoToAGIno extracts the AG-relative inode number.
func (v *Volume) inoToAGIno(ino uint64) uint32 {
	return uint32(ino & (uint64(1)<<(v.sb.AGBlocksLog+v.sb.InodesPerBlockLog) - 1))
}

// aginoToIno builds a 64-bit inode number from AG and AG-relative inode.
func (v *Volume) aginoToIno(ag uint32, agino uint32) uint64 {
	return uint64(ag)<<(v.sb.AGBlocksLog+v.sb.InodesPerBlockLog) | uint64(agino)
}

// inoPosition locates an inode on the device: the address and length of its
// containing block, and the byte offset of the inode within that block.
func (v *Volume) inoPosition(ino uint64) (daddr int64, blen int, offset int) {
	ag := v.inoToAG(ino)
	agino := v.inoToAGIno(ino)
	agbno := agino >> v.sb.InodesPerBlockLog
	idx := agino & (uint32(1)<<v.sb.InodesPerBlockLog - 1)
	return v.agbDaddr(ag, agbno), int(v.sb.BlockSize), int(idx) * int(v.sb.InodeSize)
}

// checkIno validates that an inode number points inside the filesystem.
func (v *Volume) checkIno(ino uint64) error {
	ag := v.inoToAG(ino)
	agino := v.inoToAGIno(ino)
	agbno := agino >> v.sb.InodesPerBlockLog
	if ino == 0 || ag >= v.sb.AGCount || uint64(agbno) >= uint64(v.sb.AGBlocks) {
		return fmt.Errorf("%w: inode number %d out of range", ErrCorrupt, ino)
	}
	return nil
}

// maxICount is the cap on allocated inodes implied by sb_imax_pct.
func (v *Volume) maxICount() uint64 {
	if v.sb.InodesMaxPercentage == 0 {
		return v.sb.InodesAllocated
	}
	blocks := v.sb.DataBlocks * uint64(v.sb.InodesMaxPercentage) / 100
	return blocks << v.sb.InodesPerBlockLog
}

// litino is the size of an inode's literal (fork) area.
func (v *Volume) litino(version uint8) int {
	if version == InodeVersion3 {
		return int(v.sb.InodeSize) - InodeCoreSizeV3
	}
	return int(v.sb.InodeSize) - (InodeCoreSizeV2 + 4)
}

const defaultBufCacheSize = 512
