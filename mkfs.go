package xfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Mkfs writes a fresh, empty filesystem. The layout is deliberately simple:
// per AG one header block, single-level b+tree roots, four reserved
// free-list blocks, and (in AG 0) an idle log and one chunk of 64 inodes
// holding the root directory plus the realtime bitmap and summary inodes.

// MkfsOptions control the filesystem written by Mkfs. The zero value picks
// 4 KiB blocks, 512 byte sectors and inodes, the ftype feature, and a V4
// filesystem; V5 adds CRCs and V3 inodes.
type MkfsOptions struct {
	Label   string
	AGCount uint32
	NoFtype bool
	V5      bool
}

const (
	mkfsBlockLog  = 12 // 4 KiB blocks
	mkfsSectorLog = 9  // 512 byte sectors
	mkfsInodeLog  = 9  // 512 byte inodes
	mkfsInopbLog  = mkfsBlockLog - mkfsInodeLog

	// fixed AG-relative layout
	mkfsBnoRoot   = 1
	mkfsCntRoot   = 2
	mkfsInoRoot   = 3
	mkfsAGFLFirst = 4 // blocks 4..7 feed the AGF free list
	mkfsAGMeta    = 8 // first block usable for log/inodes/data
)

// MkfsFile creates (or truncates) an image file of the given size and
// writes a filesystem onto it.
func MkfsFile(path string, size int64, opts MkfsOptions) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return err
	}
	return Mkfs(f, size, opts)
}

// Mkfs writes a filesystem covering size bytes of dev.
func Mkfs(dev BlockDevice, size int64, opts MkfsOptions) error {
	blockSize := int64(1) << mkfsBlockLog
	totalBlocks := size / blockSize
	if totalBlocks < 1024 {
		return fmt.Errorf("%w: filesystem needs at least %d bytes", ErrInvalid, 1024*blockSize)
	}

	agCount := opts.AGCount
	if agCount == 0 {
		agCount = 1
		if totalBlocks >= 16384 {
			agCount = 4
		}
	}
	agBlocks := (totalBlocks + int64(agCount) - 1) / int64(agCount)
	agBlkLog := uint8(bits.Len64(uint64(agBlocks - 1)))

	logBlocks := int64(512)
	if logBlocks > agBlocks/4 {
		logBlocks = agBlocks / 4
	}

	// the inode chunk wants chunk-sized alignment
	chunkBlocks := int64(InodesPerChunk >> mkfsInopbLog)
	chunkStart := (mkfsAGMeta + logBlocks + chunkBlocks - 1) / chunkBlocks * chunkBlocks

	rootAgino := uint32(chunkStart) << mkfsInopbLog

	fsUUID := uuid.New()

	sb := SuperBlock{
		MagicNumber:          SBMagicNumber,
		BlockSize:            uint32(blockSize),
		DataBlocks:           uint64(totalBlocks),
		LogStart:             uint64(mkfsAGMeta), // fsb within AG 0
		RealtimeExtentBlocks: 1,
		AGBlocks:             uint32(agBlocks),
		AGCount:              agCount,
		LogBlocks:            uint32(logBlocks),
		SectorSize:           1 << mkfsSectorLog,
		InodeSize:            1 << mkfsInodeLog,
		InodesPerBlock:       1 << mkfsInopbLog,
		BlockSizeLog:         mkfsBlockLog,
		SectorSizeLog:        mkfsSectorLog,
		InodeSizeLog:         mkfsInodeLog,
		InodesPerBlockLog:    mkfsInopbLog,
		AGBlocksLog:          agBlkLog,
		InodesMaxPercentage:  25,
		InodesAllocated:      InodesPerChunk,
		InodesFree:           InodesPerChunk - 3,
		InodeChunkAlignment:  uint32(chunkBlocks),
		LogStripeUnit:        1,
	}
	copy(sb.FSName[:], opts.Label)
	copy(sb.UUID[:], fsUUID[:])

	version := uint16(Version4) | VersionAlignBit | VersionNlinkBit | VersionLogV2Bit |
		VersionExtFlgBit | VersionDirV2Bit | VersionMoreBitsBit
	features2 := uint32(Version2LazySBCountBit | Version2Attr2Bit)
	if opts.V5 {
		version = uint16(Version5) | VersionAlignBit | VersionNlinkBit | VersionLogV2Bit |
			VersionExtFlgBit | VersionDirV2Bit | VersionMoreBitsBit
		features2 |= Version2CRCBit
		if !opts.NoFtype {
			sb.FeaturesIncompat = IncompatFtype
		}
		sb.MetaUUID = sb.UUID
	} else if !opts.NoFtype {
		features2 |= Version2FtypeBit
	}
	sb.VersionNum = version
	sb.Features2 = features2
	sb.BadFeatures2 = features2

	sb.RootInode = inoFor(&sb, 0, rootAgino)
	sb.RealtimeBitmapInode = inoFor(&sb, 0, rootAgino+1)
	sb.RealtimeSummaryInode = inoFor(&sb, 0, rootAgino+2)

	// free space: everything past the fixed metadata in every AG
	freeTotal := int64(0)
	agLen := func(ag uint32) int64 {
		l := agBlocks
		if ag == agCount-1 && totalBlocks%agBlocks != 0 {
			l = totalBlocks - int64(ag)*agBlocks
		}
		return l
	}
	agFreeStart := func(ag uint32) int64 {
		if ag == 0 {
			return chunkStart + chunkBlocks
		}
		return mkfsAGMeta
	}
	for ag := uint32(0); ag < agCount; ag++ {
		l := agLen(ag)
		if l <= agFreeStart(ag) {
			return fmt.Errorf("%w: allocation group %d too small", ErrInvalid, ag)
		}
		freeTotal += l - agFreeStart(ag)
	}
	sb.DataFree = uint64(freeTotal)

	// extend the device to its full size first
	if _, err := dev.WriteAt([]byte{0}, size-1); err != nil {
		return err
	}

	w := &mkfsWriter{dev: dev, sb: &sb, v5: opts.V5}
	for ag := uint32(0); ag < agCount; ag++ {
		if err := w.writeAG(ag, agLen(ag), agFreeStart(ag)); err != nil {
			return err
		}
	}
	if err := w.writeLog(); err != nil {
		return err
	}
	if err := w.writeInodes(rootAgino, chunkStart, chunkBlocks); err != nil {
		return err
	}

	logrus.Debugf("xfs: mkfs wrote %d blocks in %d AGs, root inode %d", totalBlocks, agCount, sb.RootInode)
	return nil
}

// inoFor builds an inode number before any Volume exists.
func inoFor(sb *SuperBlock, ag uint32, agino uint32) uint64 {
	return uint64(ag)<<(sb.AGBlocksLog+sb.InodesPerBlockLog) | uint64(agino)
}

type mkfsWriter struct {
	dev BlockDevice
	sb  *SuperBlock
	v5  bool
}

func (w *mkfsWriter) blockSize() int64 { return int64(w.sb.BlockSize) }

func (w *mkfsWriter) agOffset(ag uint32) int64 {
	return int64(ag) * int64(w.sb.AGBlocks) * w.blockSize()
}

func (w *mkfsWriter) writeAt(buf []byte, off int64) error {
	_, err := w.dev.WriteAt(buf, off)
	return err
}

// writeAG lays down one allocation group's headers and tree roots.
func (w *mkfsWriter) writeAG(ag uint32, agLen int64, freeStart int64) error {
	sb := w.sb
	off := w.agOffset(ag)
	sector := int64(sb.SectorSize)

	// superblock copy
	sbBuf := make([]byte, sector)
	if err := sb.MarshalInto(sbBuf); err != nil {
		return err
	}
	if w.v5 {
		UpdateCksum(sbBuf, SBCRCOffset)
	}
	if err := w.writeAt(sbBuf, off); err != nil {
		return err
	}

	// AGF
	freeBlocks := uint32(agLen - freeStart)
	agf := AGF{
		Magic:      AGFMagicNumber,
		Version:    AGFVersion,
		SeqNo:      ag,
		Length:     uint32(agLen),
		Roots:      [2]uint32{mkfsBnoRoot, mkfsCntRoot},
		Levels:     [2]uint32{1, 1},
		FLFirst:    0,
		FLLast:     3,
		FLCount:    4,
		FreeBlocks: freeBlocks,
		Longest:    freeBlocks,
	}
	agfBuf := make([]byte, sector)
	marshalInto(agfBuf, &agf)
	if w.v5 {
		copy(agfBuf[64:80], sb.UUID[:])
		UpdateCksum(agfBuf, AGFCRCOffset)
	}
	if err := w.writeAt(agfBuf, off+sector); err != nil {
		return err
	}

	// AGI: one inode chunk in AG 0, none elsewhere
	agi := AGI{
		Magic:   AGIMagicNumber,
		Version: AGIVersion,
		SeqNo:   ag,
		Length:  uint32(agLen),
		Root:    mkfsInoRoot,
		Level:   1,
		DirIno:  NullAGIno,
	}
	if ag == 0 {
		agi.Count = InodesPerChunk
		agi.FreeCount = InodesPerChunk - 3
		agi.NewIno = uint32(freeStart-int64(sb.InodeChunkAlignment)) << sb.InodesPerBlockLog
	}
	for i := range agi.Unlinked {
		agi.Unlinked[i] = NullAGIno
	}
	agiBuf := make([]byte, sector)
	marshalInto(agiBuf, &agi)
	if w.v5 {
		copy(agiBuf[296:312], sb.UUID[:])
		UpdateCksum(agiBuf, AGICRCOffset)
	}
	if err := w.writeAt(agiBuf, off+2*sector); err != nil {
		return err
	}

	// AGFL: four reserved blocks, the rest empty
	aglfBuf := make([]byte, sector)
	pos := 0
	if w.v5 {
		binary.BigEndian.PutUint32(aglfBuf, AGFLMagicNumber)
		binary.BigEndian.PutUint32(aglfBuf[4:], ag)
		copy(aglfBuf[8:24], sb.UUID[:])
		pos = 36
	}
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint32(aglfBuf[pos:], uint32(mkfsAGFLFirst+i))
		pos += 4
	}
	for ; pos+4 <= len(aglfBuf); pos += 4 {
		binary.BigEndian.PutUint32(aglfBuf[pos:], NullAGBlock)
	}
	if w.v5 {
		UpdateCksum(aglfBuf, AGFLCRCOffset)
	}
	if err := w.writeAt(aglfBuf, off+3*sector); err != nil {
		return err
	}

	// free space b+tree roots, one record each
	rec := AllocRecord{StartBlock: uint32(freeStart), BlockCount: freeBlocks}
	if err := w.writeBTreeRoot(ag, mkfsBnoRoot, ABTBMagicNumber, ABTB3MagicNumber, func(buf []byte, hdr int) int {
		binary.BigEndian.PutUint32(buf[hdr:], rec.StartBlock)
		binary.BigEndian.PutUint32(buf[hdr+4:], rec.BlockCount)
		return 1
	}); err != nil {
		return err
	}
	if err := w.writeBTreeRoot(ag, mkfsCntRoot, ABTCMagicNumber, ABTC3MagicNumber, func(buf []byte, hdr int) int {
		binary.BigEndian.PutUint32(buf[hdr:], rec.StartBlock)
		binary.BigEndian.PutUint32(buf[hdr+4:], rec.BlockCount)
		return 1
	}); err != nil {
		return err
	}

	// inode b+tree root
	return w.writeBTreeRoot(ag, mkfsInoRoot, IBTMagicNumber, IBT3MagicNumber, func(buf []byte, hdr int) int {
		if ag != 0 {
			return 0
		}
		binary.BigEndian.PutUint32(buf[hdr:], agi.NewIno)
		binary.BigEndian.PutUint32(buf[hdr+4:], InodesPerChunk-3)
		// inodes 0..2 (root, rt bitmap, rt summary) are in use
		binary.BigEndian.PutUint64(buf[hdr+8:], ^uint64(7))
		return 1
	})
}

// writeBTreeRoot emits a single-level b+tree root block.
func (w *mkfsWriter) writeBTreeRoot(ag uint32, agbno uint32, magic, magicV5 uint32, fill func(buf []byte, hdr int) int) error {
	buf := make([]byte, w.blockSize())

	hdr := BTreeSBlockSize
	m := magic
	if w.v5 {
		hdr = BTreeS3BlockSize
		m = magicV5
	}
	binary.BigEndian.PutUint32(buf, m)
	binary.BigEndian.PutUint32(buf[8:], NullAGBlock)
	binary.BigEndian.PutUint32(buf[12:], NullAGBlock)

	n := fill(buf, hdr)
	binary.BigEndian.PutUint16(buf[6:], uint16(n))

	if w.v5 {
		daddr := (w.agOffset(ag) + int64(agbno)*w.blockSize()) >> BBShift
		binary.BigEndian.PutUint64(buf[16:], uint64(daddr))
		copy(buf[32:48], w.sb.UUID[:])
		binary.BigEndian.PutUint32(buf[48:], ag)
		UpdateCksum(buf, BTreeSCRCOffset)
	}

	off := w.agOffset(ag) + int64(agbno)*w.blockSize()
	return w.writeAt(buf, off)
}

// writeLog stamps a clean (unmounted) log into AG 0.
func (w *mkfsWriter) writeLog() error {
	sb := w.sb

	rec := XLogRecHeader{
		Magic:     XLogMagicNumber,
		Cycle:     1,
		Version:   2,
		Len:       uint32(sb.SectorSize),
		LSN:       0x100000000,
		TailLSN:   0x100000000,
		PrevBlock: NullAGBlock,
		NumLogOps: 1,
		Fmt:       1,
		FSUUID:    sb.UUID,
		Size:      0x8000,
	}
	rec.CycleData[0] = 0xB0C0D0D0

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, &rec)
	binary.Write(buf, binary.BigEndian, &XLogRecord{
		TransactionID: 1,
		Length:        8,
		ClientID:      0xAA, // XFS_LOG
		Flags:         0x20, // XLOG_UNMOUNT_TRANS
	})

	return w.writeAt(buf.Bytes(), int64(sb.LogStart)*w.blockSize())
}

// writeInodes initializes the first inode chunk: root directory, realtime
// bitmap and summary inodes, and 61 free slots.
func (w *mkfsWriter) writeInodes(rootAgino uint32, chunkStart, chunkBlocks int64) error {
	sb := w.sb

	// a throwaway volume gives us the inode encoders
	v := &Volume{sb: *sb, inodes: map[uint64]*Inode{}}

	encodeUsed := func(ino uint64, mode uint16, nlink uint32, format uint8, local []byte) []byte {
		ip := &Inode{vol: v, Ino: ino}
		ip.Core = InodeCore{
			Magic:        InodeMagicNumber,
			Mode:         mode,
			Version:      InodeVersion2,
			Format:       format,
			Nlink:        nlink,
			Gen:          1,
			NextUnlinked: NullAGIno,
		}
		if w.v5 {
			ip.Core.Version = InodeVersion3
			ip.V3.Ino = ino
			ip.V3.UUID = sb.UUID
		}
		ip.Local = local
		ip.Core.Size = int64(len(local))
		ip.rawLit = make([]byte, v.litino(ip.Core.Version))
		return ip.encode()
	}

	rootIno := inoFor(sb, 0, rootAgino)
	rootSF := v.encodeShortDir(&sfDir{Parent: rootIno})

	chunk := make([]byte, chunkBlocks*w.blockSize())
	inodeSize := int(sb.InodeSize)
	for slot := 0; slot < InodesPerChunk; slot++ {
		ino := inoFor(sb, 0, rootAgino+uint32(slot))
		var rec []byte
		switch slot {
		case 0:
			rec = encodeUsed(ino, S_IFDIR|0755, 2, InodeFormatLocal, rootSF)
		case 1, 2:
			rec = encodeUsed(ino, S_IFREG, 1, InodeFormatExtents, nil)
		default:
			rec = v.encodeFreeInode(ino)
		}
		copy(chunk[slot*inodeSize:], rec)
	}

	return w.writeAt(chunk, chunkStart*w.blockSize())
}

// marshalInto encodes a fixed-layout struct big-endian into buf.
func marshalInto(buf []byte, v interface{}) {
	w := new(bytes.Buffer)
	binary.Write(w, binary.BigEndian, v)
	copy(buf, w.Bytes())
}
