package xfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// The allocators work on the per-AG structures: the AGF with its two free
// space b+trees (by block and by size) and the AGI with its inode b+tree.
// Only single-level trees are mutated; that covers everything this library
// creates, and larger filesystems fail allocation rather than corrupt.

//
// AG header access
//

func (t *Trans) readAGF(ag uint32) (*AGF, *Buffer, error) {
	v := t.vol
	buf, err := t.readBuf(v.agSectorDaddr(ag, AGFSector), int(v.sb.SectorSize))
	if err != nil {
		return nil, nil, err
	}
	agf := new(AGF)
	if err := binary.Read(bytes.NewReader(buf.Data), binary.BigEndian, agf); err != nil {
		return nil, nil, err
	}
	if agf.Magic != AGFMagicNumber || agf.Version != AGFVersion {
		return nil, nil, fmt.Errorf("%w: AGF %d bad magic/version", ErrCorrupt, ag)
	}
	return agf, buf, nil
}

func (t *Trans) logAGF(agf *AGF, buf *Buffer) {
	w := new(bytes.Buffer)
	binary.Write(w, binary.BigEndian, agf)
	copy(buf.Data, w.Bytes())
	t.logBuf(buf, AGFCRCOffset)
}

func (t *Trans) readAGI(ag uint32) (*AGI, *Buffer, error) {
	v := t.vol
	buf, err := t.readBuf(v.agSectorDaddr(ag, AGISector), int(v.sb.SectorSize))
	if err != nil {
		return nil, nil, err
	}
	agi := new(AGI)
	if err := binary.Read(bytes.NewReader(buf.Data), binary.BigEndian, agi); err != nil {
		return nil, nil, err
	}
	if agi.Magic != AGIMagicNumber || agi.Version != AGIVersion {
		return nil, nil, fmt.Errorf("%w: AGI %d bad magic/version", ErrCorrupt, ag)
	}
	return agi, buf, nil
}

func (t *Trans) logAGI(agi *AGI, buf *Buffer) {
	w := new(bytes.Buffer)
	binary.Write(w, binary.BigEndian, agi)
	copy(buf.Data, w.Bytes())
	t.logBuf(buf, AGICRCOffset)
}

//
// free space b+trees
//

// btreeHdrSize returns the header size of a short-form btree block.
func (v *Volume) btreeHdrSize() int {
	if v.sb.HasCRC() {
		return BTreeS3BlockSize
	}
	return BTreeSBlockSize
}

// readAllocTree loads the root block of one of the AG free space trees and
// its records. Trees deeper than one level cannot be mutated here.
func (t *Trans) readAllocTree(ag uint32, agf *AGF, which int) (*Buffer, []AllocRecord, error) {
	v := t.vol
	if agf.Levels[which] != 1 {
		return nil, nil, fmt.Errorf("%w: multi-level free space btree", ErrNotSupported)
	}
	buf, err := t.readBuf(v.agbDaddr(ag, agf.Roots[which]), int(v.sb.BlockSize))
	if err != nil {
		return nil, nil, err
	}
	magic := binary.BigEndian.Uint32(buf.Data)
	want := []uint32{ABTBMagicNumber, ABTCMagicNumber}[which]
	wantV5 := []uint32{ABTB3MagicNumber, ABTC3MagicNumber}[which]
	if magic != want && magic != wantV5 {
		return nil, nil, fmt.Errorf("%w: free space btree bad magic %#x", ErrCorrupt, magic)
	}
	hdr := v.btreeHdrSize()
	n := int(binary.BigEndian.Uint16(buf.Data[6:]))
	if hdr+n*8 > len(buf.Data) {
		return nil, nil, fmt.Errorf("%w: free space btree record overflow", ErrCorrupt)
	}
	recs := make([]AllocRecord, n)
	for i := 0; i < n; i++ {
		recs[i].StartBlock = binary.BigEndian.Uint32(buf.Data[hdr+i*8:])
		recs[i].BlockCount = binary.BigEndian.Uint32(buf.Data[hdr+i*8+4:])
	}
	return buf, recs, nil
}

// writeAllocTree rewrites the record area of a free space tree root.
func (t *Trans) writeAllocTree(buf *Buffer, recs []AllocRecord) error {
	v := t.vol
	hdr := v.btreeHdrSize()
	if hdr+len(recs)*8 > len(buf.Data) {
		return ErrNoSpace
	}
	binary.BigEndian.PutUint16(buf.Data[6:], uint16(len(recs)))
	for i, r := range recs {
		binary.BigEndian.PutUint32(buf.Data[hdr+i*8:], r.StartBlock)
		binary.BigEndian.PutUint32(buf.Data[hdr+i*8+4:], r.BlockCount)
	}
	for i := hdr + len(recs)*8; i < len(buf.Data); i++ {
		buf.Data[i] = 0
	}
	t.logBuf(buf, BTreeSCRCOffset)
	return nil
}

// updateAllocTrees pushes a modified record set into both the by-block and
// by-size trees and refreshes the AGF counters.
func (t *Trans) updateAllocTrees(ag uint32, agf *AGF, agfBuf *Buffer, recs []AllocRecord) error {
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartBlock < recs[j].StartBlock })
	bnoBuf, _, err := t.readAllocTree(ag, agf, 0)
	if err != nil {
		return err
	}
	if err := t.writeAllocTree(bnoBuf, recs); err != nil {
		return err
	}

	bySize := append([]AllocRecord(nil), recs...)
	sort.Slice(bySize, func(i, j int) bool {
		if bySize[i].BlockCount != bySize[j].BlockCount {
			return bySize[i].BlockCount < bySize[j].BlockCount
		}
		return bySize[i].StartBlock < bySize[j].StartBlock
	})
	cntBuf, _, err := t.readAllocTree(ag, agf, 1)
	if err != nil {
		return err
	}
	if err := t.writeAllocTree(cntBuf, bySize); err != nil {
		return err
	}

	var free, longest uint32
	for _, r := range recs {
		free += r.BlockCount
		if r.BlockCount > longest {
			longest = r.BlockCount
		}
	}
	agf.FreeBlocks = free
	agf.Longest = longest
	t.logAGF(agf, agfBuf)
	return nil
}

// allocFromAG carves up to want contiguous blocks out of one AG, taking the
// first run that fits and, for unaligned requests, falling back to the
// largest run available. alignment, when greater than one, constrains the
// start block, and then only a run that fits the whole request is taken.
func (t *Trans) allocFromAG(ag uint32, want int64, alignment uint32) (uint32, int64, error) {
	agf, agfBuf, err := t.readAGF(ag)
	if err != nil {
		return 0, 0, err
	}
	if agf.FreeBlocks == 0 {
		return 0, 0, nil
	}
	_, recs, err := t.readAllocTree(ag, agf, 0)
	if err != nil {
		return 0, 0, err
	}

	best := -1
	var bestStart, bestLen uint32
	for i, r := range recs {
		start, length := r.StartBlock, r.BlockCount
		if alignment > 1 {
			aligned := (start + alignment - 1) / alignment * alignment
			skip := aligned - start
			if skip >= length {
				continue
			}
			start, length = aligned, length-skip
		}
		if int64(length) >= want {
			best, bestStart, bestLen = i, start, uint32(want)
			break
		}
		if alignment <= 1 && length > bestLen {
			best, bestStart, bestLen = i, start, length
		}
	}
	if best == -1 {
		return 0, 0, nil
	}

	r := recs[best]
	var out []AllocRecord
	out = append(out, recs[:best]...)
	if bestStart > r.StartBlock {
		out = append(out, AllocRecord{r.StartBlock, bestStart - r.StartBlock})
	}
	if end := bestStart + bestLen; end < r.StartBlock+r.BlockCount {
		out = append(out, AllocRecord{end, r.StartBlock + r.BlockCount - end})
	}
	out = append(out, recs[best+1:]...)

	if err := t.updateAllocTrees(ag, agf, agfBuf, out); err != nil {
		return 0, 0, err
	}
	t.fdblocksDelta -= int64(bestLen)
	logrus.Tracef("xfs: allocated %d blocks at ag %d agbno %d", bestLen, ag, bestStart)
	return bestStart, int64(bestLen), nil
}

// allocExtents reserves total blocks, contiguous when possible, scattered
// across records and AGs when not.
func (t *Trans) allocExtents(total int64, agHint uint32) ([]Extent, error) {
	v := t.vol
	var out []Extent
	remaining := total
	for pass := uint32(0); pass < v.sb.AGCount && remaining > 0; pass++ {
		ag := (agHint + pass) % v.sb.AGCount
		for remaining > 0 {
			agbno, got, err := t.allocFromAG(ag, remaining, 0)
			if err != nil {
				return nil, err
			}
			if got == 0 {
				break
			}
			out = append(out, Extent{Start: v.mkfsb(ag, agbno), Count: uint64(got)})
			remaining -= got
		}
	}
	if remaining > 0 {
		return nil, ErrNoSpace
	}
	return out, nil
}

// freeExtent returns blocks to their AG's free space trees, merging with
// neighbours.
func (t *Trans) freeExtent(fsb uint64, count uint64) error {
	v := t.vol
	ag := v.fsbToAG(fsb)
	agbno := v.fsbToAGBlock(fsb)

	agf, agfBuf, err := t.readAGF(ag)
	if err != nil {
		return err
	}
	_, recs, err := t.readAllocTree(ag, agf, 0)
	if err != nil {
		return err
	}

	recs = append(recs, AllocRecord{agbno, uint32(count)})
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartBlock < recs[j].StartBlock })

	// coalesce adjacent runs
	merged := recs[:0]
	for _, r := range recs {
		if n := len(merged); n > 0 && merged[n-1].StartBlock+merged[n-1].BlockCount == r.StartBlock {
			merged[n-1].BlockCount += r.BlockCount
			continue
		}
		merged = append(merged, r)
	}

	if err := t.updateAllocTrees(ag, agf, agfBuf, merged); err != nil {
		return err
	}
	t.fdblocksDelta += int64(count)
	return nil
}

//
// inode b+tree
//

// readInoTree loads the root of an AG's inode b+tree.
func (t *Trans) readInoTree(ag uint32, agi *AGI) (*Buffer, []InodeBTRecord, error) {
	v := t.vol
	if agi.Level != 1 {
		return nil, nil, fmt.Errorf("%w: multi-level inode btree", ErrNotSupported)
	}
	buf, err := t.readBuf(v.agbDaddr(ag, agi.Root), int(v.sb.BlockSize))
	if err != nil {
		return nil, nil, err
	}
	magic := binary.BigEndian.Uint32(buf.Data)
	if magic != IBTMagicNumber && magic != IBT3MagicNumber {
		return nil, nil, fmt.Errorf("%w: inode btree bad magic %#x", ErrCorrupt, magic)
	}
	hdr := v.btreeHdrSize()
	n := int(binary.BigEndian.Uint16(buf.Data[6:]))
	if hdr+n*16 > len(buf.Data) {
		return nil, nil, fmt.Errorf("%w: inode btree record overflow", ErrCorrupt)
	}
	recs := make([]InodeBTRecord, n)
	for i := 0; i < n; i++ {
		recs[i].StartIno = binary.BigEndian.Uint32(buf.Data[hdr+i*16:])
		recs[i].FreeCount = binary.BigEndian.Uint32(buf.Data[hdr+i*16+4:])
		recs[i].Free = binary.BigEndian.Uint64(buf.Data[hdr+i*16+8:])
	}
	return buf, recs, nil
}

func (t *Trans) writeInoTree(buf *Buffer, recs []InodeBTRecord) error {
	v := t.vol
	hdr := v.btreeHdrSize()
	if hdr+len(recs)*16 > len(buf.Data) {
		return ErrNoSpace
	}
	binary.BigEndian.PutUint16(buf.Data[6:], uint16(len(recs)))
	for i, r := range recs {
		binary.BigEndian.PutUint32(buf.Data[hdr+i*16:], r.StartIno)
		binary.BigEndian.PutUint32(buf.Data[hdr+i*16+4:], r.FreeCount)
		binary.BigEndian.PutUint64(buf.Data[hdr+i*16+8:], r.Free)
	}
	for i := hdr + len(recs)*16; i < len(buf.Data); i++ {
		buf.Data[i] = 0
	}
	t.logBuf(buf, BTreeSCRCOffset)
	return nil
}

// chunkBlocks is the number of filesystem blocks covered by one inode chunk.
func (v *Volume) chunkBlocks() int64 {
	return int64(InodesPerChunk >> v.sb.InodesPerBlockLog)
}

// newInodeChunk allocates and initializes a fresh chunk of 64 inodes in the
// given AG, registering it in the inode b+tree.
func (t *Trans) newInodeChunk(ag uint32) error {
	v := t.vol

	align := v.sb.InodeChunkAlignment
	agbno, got, err := t.allocFromAG(ag, v.chunkBlocks(), align)
	if err != nil {
		return err
	}
	if got < v.chunkBlocks() {
		if got > 0 {
			// partial run is useless for a chunk; hand it back
			if err := t.freeExtent(v.mkfsb(ag, agbno), uint64(got)); err != nil {
				return err
			}
		}
		return ErrNoSpace
	}

	// clear the chunk and stamp free inode records
	agino := agbno << v.sb.InodesPerBlockLog
	for blk := int64(0); blk < v.chunkBlocks(); blk++ {
		buf := t.getBuf(v.agbDaddr(ag, agbno+uint32(blk)), int(v.sb.BlockSize))
		for i := range buf.Data {
			buf.Data[i] = 0
		}
		for slot := 0; slot < 1<<v.sb.InodesPerBlockLog; slot++ {
			ino := v.aginoToIno(ag, agino+uint32(blk)<<v.sb.InodesPerBlockLog+uint32(slot))
			free := v.encodeFreeInode(ino)
			copy(buf.Data[slot*int(v.sb.InodeSize):], free)
		}
		t.logBuf(buf, -1)
	}

	agi, agiBuf, err := t.readAGI(ag)
	if err != nil {
		return err
	}
	ibtBuf, recs, err := t.readInoTree(ag, agi)
	if err != nil {
		return err
	}
	recs = append(recs, InodeBTRecord{
		StartIno:  agino,
		FreeCount: InodesPerChunk,
		Free:      ^uint64(0),
	})
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartIno < recs[j].StartIno })
	if err := t.writeInoTree(ibtBuf, recs); err != nil {
		return err
	}

	agi.Count += InodesPerChunk
	agi.FreeCount += InodesPerChunk
	agi.NewIno = agino
	t.logAGI(agi, agiBuf)

	t.icountDelta += InodesPerChunk
	t.ifreeDelta += InodesPerChunk
	logrus.Debugf("xfs: new inode chunk at ag %d agino %d", ag, agino)
	return nil
}

// encodeFreeInode builds the on-disk record of an unallocated inode.
func (v *Volume) encodeFreeInode(ino uint64) []byte {
	ip := &Inode{vol: v, Ino: ino}
	ip.Core = InodeCore{
		Magic:        InodeMagicNumber,
		Version:      InodeVersion2,
		Format:       InodeFormatExtents,
		NextUnlinked: NullAGIno,
	}
	if v.sb.HasCRC() {
		ip.Core.Version = InodeVersion3
		ip.V3.Ino = ino
		ip.V3.UUID = v.sb.UUID
	}
	return ip.encode()
}

// claimInode takes one free inode slot from an AG, allocating a new chunk
// when the AG has none left. Returns 0 when the AG cannot provide one.
func (t *Trans) claimInode(ag uint32) (uint64, error) {
	v := t.vol

	agi, agiBuf, err := t.readAGI(ag)
	if err != nil {
		return 0, err
	}
	if agi.FreeCount == 0 {
		if err := t.newInodeChunk(ag); err != nil {
			if err == ErrNoSpace {
				return 0, nil
			}
			return 0, err
		}
		agi, agiBuf, err = t.readAGI(ag)
		if err != nil {
			return 0, err
		}
	}

	ibtBuf, recs, err := t.readInoTree(ag, agi)
	if err != nil {
		return 0, err
	}
	for i := range recs {
		if recs[i].FreeCount == 0 {
			continue
		}
		idx := bits.TrailingZeros64(recs[i].Free)
		if idx >= InodesPerChunk {
			return 0, fmt.Errorf("%w: inode btree freecount/mask mismatch", ErrCorrupt)
		}
		recs[i].Free &^= uint64(1) << idx
		recs[i].FreeCount--
		agino := recs[i].StartIno + uint32(idx)

		if err := t.writeInoTree(ibtBuf, recs); err != nil {
			return 0, err
		}
		agi.FreeCount--
		t.logAGI(agi, agiBuf)
		t.ifreeDelta--
		return v.aginoToIno(ag, agino), nil
	}
	return 0, nil
}

// allocInode allocates and initializes a new inode near the parent, joining
// it to the transaction. The returned handle is owned by the caller.
func (t *Trans) allocInode(parent *Inode, mode uint16, nlink uint32, rdev uint32, uid, gid uint32) (*Inode, error) {
	v := t.vol

	agHint := uint32(0)
	if parent != nil {
		agHint = v.inoToAG(parent.Ino)
	}

	var ino uint64
	for pass := uint32(0); pass < v.sb.AGCount; pass++ {
		ag := (agHint + pass) % v.sb.AGCount
		got, err := t.claimInode(ag)
		if err != nil {
			return nil, err
		}
		if got != 0 {
			ino = got
			break
		}
	}
	if ino == 0 {
		return nil, ErrNoSpace
	}

	// bump the generation over whatever occupied the slot before
	gen := uint32(1)
	daddr, blen, offset := v.inoPosition(ino)
	if blk, err := t.readBuf(daddr, blen); err == nil {
		old := blk.Data[offset:]
		if binary.BigEndian.Uint16(old) == InodeMagicNumber {
			gen = binary.BigEndian.Uint32(old[92:]) + 1
		}
	}

	ip := &Inode{vol: v, Ino: ino}
	ip.Core = InodeCore{
		Magic:        InodeMagicNumber,
		Mode:         mode,
		Version:      InodeVersion2,
		Format:       InodeFormatExtents,
		UID:          uid,
		GID:          gid,
		Nlink:        nlink,
		Gen:          gen,
		NextUnlinked: NullAGIno,
	}
	if mode&S_IFMT == S_IFCHR || mode&S_IFMT == S_IFBLK {
		ip.Core.Format = InodeFormatDev
		ip.Rdev = rdev
	}
	if v.sb.HasCRC() {
		ip.Core.Version = InodeVersion3
		ip.V3.Ino = ino
		ip.V3.UUID = v.sb.UUID
		if v.sb.HasBigtime() {
			ip.V3.Flags2 |= InodeFlag2Bigtime
		}
	}
	now := ip.encodeTime(time.Now())
	ip.Core.ATime = now
	ip.Core.MTime = now
	ip.Core.CTime = now
	if ip.Core.Version == InodeVersion3 {
		ip.V3.CrTime = now
	}
	ip.rawLit = make([]byte, v.litino(ip.Core.Version))

	ip.AddRef(1)
	v.inodes[ino] = ip
	t.joinNew(ip)
	t.logInode(ip)

	logrus.Tracef("xfs: allocated inode %d mode %#o", ino, mode)
	return ip, nil
}

// freeInode releases an inode whose link count reached zero back to its
// AG's inode b+tree. Its data blocks must already be on the free list.
func (t *Trans) freeInode(ip *Inode) error {
	v := t.vol
	ag := v.inoToAG(ip.Ino)
	agino := v.inoToAGIno(ip.Ino)

	agi, agiBuf, err := t.readAGI(ag)
	if err != nil {
		return err
	}
	ibtBuf, recs, err := t.readInoTree(ag, agi)
	if err != nil {
		return err
	}

	found := false
	for i := range recs {
		if agino >= recs[i].StartIno && agino < recs[i].StartIno+InodesPerChunk {
			idx := agino - recs[i].StartIno
			recs[i].Free |= uint64(1) << idx
			recs[i].FreeCount++
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: inode %d not covered by inode btree", ErrCorrupt, ip.Ino)
	}
	if err := t.writeInoTree(ibtBuf, recs); err != nil {
		return err
	}
	agi.FreeCount++
	t.logAGI(agi, agiBuf)
	t.ifreeDelta++

	ip.Core.Mode = 0
	ip.Core.Nlink = 0
	ip.Core.Format = InodeFormatExtents
	ip.Core.NExtents = 0
	ip.Core.Size = 0
	ip.Core.NBlocks = 0
	ip.Extents = nil
	ip.Local = nil
	ip.freeOnRelease = true
	t.logInode(ip)
	return nil
}
