package xfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Directory mutation rebuilds the directory in its smallest fitting form:
// short-form in the inode, a single block, or leaf form (data blocks plus
// one leaf block). Growth promotes, shrinkage demotes, and the freed blocks
// of the previous shape are handed to the transaction's deferred free list.

// hashname is the on-disk directory hash (xfs_da_hashname).
func hashname(name string) uint32 {
	var hash uint32

	rol32 := func(word uint32, shift int) uint32 {
		return (word << (shift & 31)) | (word >> ((-shift) & 31))
	}

	for {
		switch len(name) {
		case 0:
			return hash
		case 1:
			hash = (uint32(name[0]) << 0) ^ rol32(hash, 7*1)
			name = name[1:]
		case 2:
			hash = (uint32(name[0]) << 7) ^ (uint32(name[1]) << 0) ^ rol32(hash, 7*2)
			name = name[2:]
		case 3:
			hash = (uint32(name[0]) << 14) ^ (uint32(name[1]) << 7) ^ (uint32(name[2]) << 0) ^ rol32(hash, 7*3)
			name = name[3:]
		default:
			hash = (uint32(name[0]) << 21) ^ (uint32(name[1]) << 14) ^ (uint32(name[2]) << 7) ^ (uint32(name[3]) << 0) ^ rol32(hash, 7*4)
			name = name[4:]
		}
	}
}

// readAllEntries collects a directory's live entries (excluding "." and
// "..") along with the parent inode number.
func (v *Volume) readAllEntries(dp *Inode) (parent uint64, entries []sfEntry, err error) {
	if dp.Core.Format == InodeFormatLocal {
		sf, err := v.parseShortDir(dp)
		if err != nil {
			return 0, nil, err
		}
		return sf.Parent, sf.Entries, nil
	}

	parent = dp.Ino // root's ".." points at itself
	_, err = v.readdir(dp, 0, func(de DirEntry) bool {
		switch de.Name {
		case ".":
		case "..":
			parent = de.Ino
		default:
			entries = append(entries, sfEntry{
				Name:  []byte(de.Name),
				Ino:   de.Ino,
				FType: de.FType,
			})
		}
		return true
	})
	if err != nil {
		return 0, nil, err
	}
	return parent, entries, nil
}

// dirFreeAllBlocks queues every block of the directory's current shape for
// deferred freeing.
func (t *Trans) dirFreeAllBlocks(dp *Inode) error {
	extents, err := t.vol.readExtents(dp)
	if err != nil {
		return err
	}
	for _, e := range extents {
		t.deferFree(e.Start, e.Count)
	}
	return nil
}

// rewriteDir writes the directory's entry set back in its smallest fitting
// format. The caller is responsible for logging the inode afterwards.
func (t *Trans) rewriteDir(dp *Inode, parent uint64, entries []sfEntry) error {
	v := t.vol

	if len(entries) <= 0xFF && v.shortDirSize(entries, parent) <= dp.forkCapacity() {
		return t.rewriteDirShort(dp, parent, entries)
	}

	blkSize := int(v.dirBlockSize())
	ftype := v.sb.HasFtype()

	// total payload if packed into data blocks, "." and ".." included
	payload := entSize(1, ftype) + entSize(2, ftype)
	for _, e := range entries {
		payload += entSize(len(e.Name), ftype)
	}

	nleaf := len(entries) + 2
	blockNeed := v.dirDataHdrSize() + payload + nleaf*8 + 8
	if blockNeed <= blkSize {
		return t.rewriteDirBlock(dp, parent, entries)
	}
	return t.rewriteDirLeaf(dp, parent, entries)
}

// rewriteDirShort demotes or keeps the directory in inode-local form.
func (t *Trans) rewriteDirShort(dp *Inode, parent uint64, entries []sfEntry) error {
	v := t.vol

	if err := t.dirFreeAllBlocks(dp); err != nil {
		return err
	}

	// synthesize the offsets the entries would have in a data block
	ftype := v.sb.HasFtype()
	off := v.dirDataHdrSize() + entSize(1, ftype) + entSize(2, ftype)
	for i := range entries {
		entries[i].Offset = uint16(off)
		off += entSize(len(entries[i].Name), ftype)
	}

	sf := &sfDir{Parent: parent, Entries: entries}
	data := v.encodeShortDir(sf)

	dp.Core.Format = InodeFormatLocal
	dp.Local = data
	dp.Extents = nil
	dp.Core.NExtents = 0
	dp.Core.Size = int64(len(data))
	dp.Core.NBlocks = 0
	return nil
}

// dirEntryPlacement is one entry laid out in a data block.
type dirEntryPlacement struct {
	entry  sfEntry
	block  int // data block index
	offset int // byte offset within the block
}

// placeDirEntries packs ".", ".." and the entries into data blocks,
// returning the placements and the per-block insertion cursor.
func (v *Volume) placeDirEntries(dp *Inode, parent uint64, entries []sfEntry, capacity int) ([]dirEntryPlacement, []int) {
	ftype := v.sb.HasFtype()
	all := make([]sfEntry, 0, len(entries)+2)
	all = append(all,
		sfEntry{Name: []byte("."), Ino: dp.Ino, FType: FTypeDirectory},
		sfEntry{Name: []byte(".."), Ino: parent, FType: FTypeDirectory},
	)
	all = append(all, entries...)

	hdr := v.dirDataHdrSize()
	var placements []dirEntryPlacement
	offs := []int{hdr}
	blk := 0
	for _, e := range all {
		need := entSize(len(e.Name), ftype)
		if offs[blk]+need > capacity {
			blk++
			offs = append(offs, hdr)
		}
		placements = append(placements, dirEntryPlacement{entry: e, block: blk, offset: offs[blk]})
		offs[blk] += need
	}
	return placements, offs
}

// writeDirDataHeader stamps a data block header and returns its size.
func (t *Trans) writeDirDataHeader(buf *Buffer, magic uint32, owner uint64) int {
	v := t.vol
	if !v.sb.HasCRC() {
		binary.BigEndian.PutUint32(buf.Data, magic)
		return Dir2DataHdrSize
	}
	hdr := Dir3Header{
		Magic:   magic,
		BlockNo: uint64(buf.Daddr),
		UUID:    v.sb.UUID,
		Owner:   owner,
	}
	w := new(bytes.Buffer)
	binary.Write(w, binary.BigEndian, &hdr)
	copy(buf.Data, w.Bytes())
	return Dir3DataHdrSize
}

// v5Magic translates a V4 directory magic into its V5 counterpart when the
// filesystem carries CRCs.
func (v *Volume) v5Magic(magic uint32) uint32 {
	if !v.sb.HasCRC() {
		return magic
	}
	switch magic {
	case Dir2BlockMagic:
		return Dir3BlockMagic
	case Dir2DataMagic:
		return Dir3DataMagic
	case Dir2LeafMagic:
		return Dir3LeafMagic
	}
	return magic
}

// fillDirData writes placed entries into a data block image and closes the
// remaining space with a free region. Returns the byte offset where free
// space begins and its length.
func (v *Volume) fillDirData(data []byte, hdrSize int, placements []dirEntryPlacement, blk int, entriesEnd int) (bestOff, bestLen int) {
	ftype := v.sb.HasFtype()

	end := hdrSize
	for _, p := range placements {
		if p.block != blk {
			continue
		}
		e := p.entry
		binary.BigEndian.PutUint64(data[p.offset:], e.Ino)
		data[p.offset+8] = uint8(len(e.Name))
		copy(data[p.offset+9:], e.Name)
		pos := p.offset + 9 + len(e.Name)
		if ftype {
			data[pos] = e.FType
			pos++
		}
		esize := entSize(len(e.Name), ftype)
		// the tag mirrors the entry's own offset, in the last 2 bytes
		binary.BigEndian.PutUint16(data[p.offset+esize-2:], uint16(p.offset))
		end = p.offset + esize
	}

	free := entriesEnd - end
	if free > 0 {
		binary.BigEndian.PutUint16(data[end:], Dir2DataFreeTag)
		binary.BigEndian.PutUint16(data[end+2:], uint16(free))
		binary.BigEndian.PutUint16(data[end+free-2:], uint16(end))
		return end, free
	}
	return 0, 0
}

// setBestFree records the block's free region in the header's bestfree
// array (a rebuilt block always has at most one).
func setBestFree(data []byte, hdrSize, bestOff, bestLen int) {
	base := 4
	if hdrSize == Dir3DataHdrSize {
		base = 48
	}
	for i := 0; i < Dir2DataFDCount; i++ {
		binary.BigEndian.PutUint16(data[base+i*4:], 0)
		binary.BigEndian.PutUint16(data[base+i*4+2:], 0)
	}
	if bestLen > 0 {
		binary.BigEndian.PutUint16(data[base:], uint16(bestOff))
		binary.BigEndian.PutUint16(data[base+2:], uint16(bestLen))
	}
}

// rewriteDirBlock promotes or keeps the directory in single-block form.
func (t *Trans) rewriteDirBlock(dp *Inode, parent uint64, entries []sfEntry) error {
	v := t.vol
	blkSize := int(v.dirBlockSize())

	if err := t.dirFreeAllBlocks(dp); err != nil {
		return err
	}

	ext, err := t.allocExtents(int64(v.dirBlkFsbs()), v.inoToAG(dp.Ino))
	if err != nil {
		return err
	}
	if len(ext) != 1 {
		// a directory block must be contiguous
		for _, e := range ext {
			t.deferFree(e.Start, e.Count)
		}
		return ErrNoSpace
	}
	fsb := ext[0].Start

	nleaf := len(entries) + 2
	tailStart := blkSize - 8
	leafStart := tailStart - nleaf*8

	buf := t.getBuf(v.fsbToDaddr(fsb), blkSize)
	for i := range buf.Data {
		buf.Data[i] = 0
	}
	hdrSize := t.writeDirDataHeader(buf, v.v5Magic(Dir2BlockMagic), dp.Ino)

	placements, _ := v.placeDirEntries(dp, parent, entries, leafStart)
	for _, p := range placements {
		if p.block != 0 {
			return fmt.Errorf("%w: block directory overflow during rebuild", ErrInvalid)
		}
	}
	bestOff, bestLen := v.fillDirData(buf.Data, hdrSize, placements, 0, leafStart)
	setBestFree(buf.Data, hdrSize, bestOff, bestLen)

	// the trailing leaf index, sorted by name hash
	leaves := make([]Dir2LeafEntry, 0, nleaf)
	for _, p := range placements {
		leaves = append(leaves, Dir2LeafEntry{
			HashVal: hashname(string(p.entry.Name)),
			Address: byteToDataptr(int64(p.offset)),
		})
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].HashVal < leaves[j].HashVal })
	for i, le := range leaves {
		binary.BigEndian.PutUint32(buf.Data[leafStart+i*8:], le.HashVal)
		binary.BigEndian.PutUint32(buf.Data[leafStart+i*8+4:], le.Address)
	}
	binary.BigEndian.PutUint32(buf.Data[tailStart:], uint32(nleaf))
	binary.BigEndian.PutUint32(buf.Data[tailStart+4:], 0)

	t.logBuf(buf, Dir3DataCRCOffset)

	dp.Core.Format = InodeFormatExtents
	dp.Local = nil
	dp.Extents = []Extent{{FileOff: 0, Start: fsb, Count: v.dirBlkFsbs()}}
	dp.Core.NExtents = 1
	dp.Core.Size = int64(blkSize)
	dp.Core.NBlocks = v.dirBlkFsbs()
	return nil
}

// rewriteDirLeaf promotes the directory to leaf form: data blocks below the
// leaf offset and a single leaf block holding the hash index.
func (t *Trans) rewriteDirLeaf(dp *Inode, parent uint64, entries []sfEntry) error {
	v := t.vol
	blkSize := int(v.dirBlockSize())

	if err := t.dirFreeAllBlocks(dp); err != nil {
		return err
	}

	placements, _ := v.placeDirEntries(dp, parent, entries, blkSize)
	ndata := placements[len(placements)-1].block + 1

	// everything must fit one leaf block
	leafHdr := Dir2LeafHdrSize
	if v.sb.HasCRC() {
		leafHdr = Dir3LeafHdrSize
	}
	nleaf := len(placements)
	if leafHdr+nleaf*8+ndata*2+4 > blkSize {
		logrus.Warnf("xfs: directory %d outgrew leaf form", dp.Ino)
		return fmt.Errorf("%w: node form directories are read-only", ErrNotSupported)
	}

	fsbsPerBlk := int64(v.dirBlkFsbs())
	dataExt, err := t.allocExtents(int64(ndata)*fsbsPerBlk, v.inoToAG(dp.Ino))
	if err != nil {
		return err
	}
	leafExt, err := t.allocExtents(fsbsPerBlk, v.inoToAG(dp.Ino))
	if err != nil {
		return err
	}
	if len(leafExt) != 1 {
		return ErrNoSpace
	}

	// map the scattered allocation onto directory block numbers
	dataFsbs := make([]uint64, 0, ndata)
	for _, e := range dataExt {
		for i := uint64(0); i < e.Count; i += uint64(fsbsPerBlk) {
			dataFsbs = append(dataFsbs, e.Start+i)
		}
	}
	if len(dataFsbs) < ndata {
		return ErrNoSpace
	}

	bests := make([]uint16, ndata)
	for blk := 0; blk < ndata; blk++ {
		buf := t.getBuf(v.fsbToDaddr(dataFsbs[blk]), blkSize)
		for i := range buf.Data {
			buf.Data[i] = 0
		}
		hdrSize := t.writeDirDataHeader(buf, v.v5Magic(Dir2DataMagic), dp.Ino)
		bestOff, bestLen := v.fillDirData(buf.Data, hdrSize, placements, blk, blkSize)
		setBestFree(buf.Data, hdrSize, bestOff, bestLen)
		bests[blk] = uint16(bestLen)
		t.logBuf(buf, Dir3DataCRCOffset)
	}

	// leaf block
	leafBuf := t.getBuf(v.fsbToDaddr(leafExt[0].Start), blkSize)
	for i := range leafBuf.Data {
		leafBuf.Data[i] = 0
	}
	if v.sb.HasCRC() {
		binary.BigEndian.PutUint16(leafBuf.Data[8:], uint16(Dir3LeafMagic))
		copy(leafBuf.Data[32:48], v.sb.UUID[:])
		binary.BigEndian.PutUint64(leafBuf.Data[48:], dp.Ino)
		binary.BigEndian.PutUint16(leafBuf.Data[56:], uint16(nleaf))
	} else {
		binary.BigEndian.PutUint16(leafBuf.Data[8:], uint16(Dir2LeafMagic))
		binary.BigEndian.PutUint16(leafBuf.Data[12:], uint16(nleaf))
	}

	leaves := make([]Dir2LeafEntry, 0, nleaf)
	for _, p := range placements {
		leaves = append(leaves, Dir2LeafEntry{
			HashVal: hashname(string(p.entry.Name)),
			Address: byteToDataptr(int64(p.block)*int64(blkSize) + int64(p.offset)),
		})
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].HashVal < leaves[j].HashVal })
	for i, le := range leaves {
		binary.BigEndian.PutUint32(leafBuf.Data[leafHdr+i*8:], le.HashVal)
		binary.BigEndian.PutUint32(leafBuf.Data[leafHdr+i*8+4:], le.Address)
	}

	// bests array and tail at the end of the leaf block
	tail := blkSize - 4
	binary.BigEndian.PutUint32(leafBuf.Data[tail:], uint32(ndata))
	for i := 0; i < ndata; i++ {
		binary.BigEndian.PutUint16(leafBuf.Data[tail-(ndata-i)*2:], bests[i])
	}
	t.logBuf(leafBuf, Dir3LeafCRCOffset)

	// rebuild the extent list: data blocks in file order, then the leaf
	leafFB := uint64(Dir2LeafOffset) >> v.sb.BlockSizeLog
	var exts []Extent
	for blk := 0; blk < ndata; blk++ {
		exts = append(exts, Extent{
			FileOff: uint64(blk) * uint64(fsbsPerBlk),
			Start:   dataFsbs[blk],
			Count:   uint64(fsbsPerBlk),
		})
	}
	exts = append(exts, Extent{FileOff: leafFB, Start: leafExt[0].Start, Count: uint64(fsbsPerBlk)})
	exts = mergeExtents(exts)

	if len(exts) > dp.maxInlineExtents() {
		return fmt.Errorf("%w: directory extent map outgrew the inode", ErrNotSupported)
	}

	dp.Core.Format = InodeFormatExtents
	dp.Local = nil
	dp.Extents = exts
	dp.Core.NExtents = int32(len(exts))
	dp.Core.Size = int64(ndata) * int64(blkSize)
	dp.Core.NBlocks = uint64(ndata+1) * uint64(fsbsPerBlk)
	return nil
}

// mergeExtents coalesces adjacent extents (same file/block adjacency).
func mergeExtents(exts []Extent) []Extent {
	if len(exts) == 0 {
		return exts
	}
	sort.Slice(exts, func(i, j int) bool { return exts[i].FileOff < exts[j].FileOff })
	out := exts[:1]
	for _, e := range exts[1:] {
		last := &out[len(out)-1]
		if last.FileOff+last.Count == e.FileOff &&
			last.Start+last.Count == e.Start &&
			last.Unwritten == e.Unwritten {
			last.Count += e.Count
			continue
		}
		out = append(out, e)
	}
	return out
}

//
// the three name operations
//

// createName inserts a new entry. The directory may change format.
func (t *Trans) createName(dp *Inode, name string, ino uint64, ftype uint8) error {
	v := t.vol
	parent, entries, err := v.readAllEntries(dp)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if string(e.Name) == name {
			return ErrExist
		}
	}
	entries = append(entries, sfEntry{Name: []byte(name), Ino: ino, FType: ftype})
	if err := t.rewriteDir(dp, parent, entries); err != nil {
		return err
	}
	t.logInode(dp)
	return nil
}

// removeName deletes an entry; ino, when non-zero, must match.
func (t *Trans) removeName(dp *Inode, name string, ino uint64) error {
	v := t.vol
	parent, entries, err := v.readAllEntries(dp)
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range entries {
		if string(e.Name) == name {
			if ino != 0 && e.Ino != ino {
				return fmt.Errorf("%w: directory entry %q changed under us", ErrCorrupt, name)
			}
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotExist
	}
	entries = append(entries[:idx], entries[idx+1:]...)
	if err := t.rewriteDir(dp, parent, entries); err != nil {
		return err
	}
	t.logInode(dp)
	return nil
}

// replaceName points an existing entry (or "..") at a new inode.
func (t *Trans) replaceName(dp *Inode, name string, ino uint64) error {
	v := t.vol
	parent, entries, err := v.readAllEntries(dp)
	if err != nil {
		return err
	}
	if name == ".." {
		parent = ino
	} else {
		idx := -1
		for i, e := range entries {
			if string(e.Name) == name {
				idx = i
				break
			}
		}
		if idx == -1 {
			return ErrNotExist
		}
		entries[idx].Ino = ino
	}
	if err := t.rewriteDir(dp, parent, entries); err != nil {
		return err
	}
	t.logInode(dp)
	return nil
}

// dirInit writes the initial empty short-form directory for mkdir.
func (t *Trans) dirInit(dp *Inode, parent *Inode) error {
	if err := t.rewriteDirShort(dp, parent.Ino, nil); err != nil {
		return err
	}
	t.logInode(dp)
	return nil
}
