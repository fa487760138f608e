package xfs

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Top-level mutating operations. Every one follows the same skeleton the
// original established: check writability, locate and join the inodes,
// reserve, mutate, log, finish deferred frees, commit — and cancel on any
// failure after the join.

// nominal log reservations per transaction class
const (
	logResAttr    = 4096
	logResCreate  = 16384
	logResRemove  = 16384
	logResRename  = 32768
	logResLink    = 8192
	logResSymlink = 16384
	logResWrite   = 32768
)

// createBlockRes is the block reservation for operations that may grow a
// directory and allocate an inode chunk.
func (v *Volume) createBlockRes() int64 {
	return v.chunkBlocks() + 4*int64(v.dirBlkFsbs())
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalid
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == '/' {
			return ErrInvalid
		}
	}
	return nil
}

// Create makes a new regular file, FIFO, socket or device node in dp. The
// returned handle is owned by the caller and must be released.
func (v *Volume) Create(dp *Inode, name string, mode uint32, rdev uint32) (*Inode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if mode&S_IFMT == 0 {
		mode |= S_IFREG
	}
	if mode&S_IFMT == S_IFDIR {
		return nil, ErrInvalid
	}
	return v.createEntry(dp, name, mode, rdev)
}

// Mkdir makes a new directory in dp. The returned handle is owned by the
// caller and must be released.
func (v *Volume) Mkdir(dp *Inode, name string, mode uint32) (*Inode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	mode = mode&^S_IFMT | S_IFDIR
	return v.createEntry(dp, name, mode, 0)
}

func (v *Volume) createEntry(dp *Inode, name string, mode uint32, rdev uint32) (*Inode, error) {
	if err := v.writable(); err != nil {
		return nil, err
	}
	if !dp.IsDir() {
		return nil, ErrNotDir
	}
	if err := checkName(name); err != nil {
		return nil, err
	}

	if _, err := v.lookupName(dp, name); err == nil {
		return nil, ErrExist
	} else if err != ErrNotExist {
		return nil, err
	}

	isDir := mode&S_IFMT == S_IFDIR

	tp, err := v.newTrans("create")
	if err != nil {
		return nil, err
	}
	if err := tp.Reserve(logResCreate, v.createBlockRes()); err != nil {
		tp.Cancel(false)
		return nil, err
	}

	ip, err := tp.allocInode(dp, uint16(mode), 1, rdev, uint32(os.Getuid()), uint32(os.Getgid()))
	if err != nil {
		tp.Cancel(err != ErrNoSpace)
		return nil, err
	}

	tp.join(dp, true)

	if isDir {
		// "." counts as a second link on the new directory
		ip.Core.Nlink = 2
		if err := tp.dirInit(ip, dp); err != nil {
			tp.Cancel(true)
			v.iput(ip)
			return nil, err
		}
		// ".." in the new directory references the parent
		dp.Core.Nlink++
	}

	if err := tp.createName(dp, name, ip.Ino, modeToFType(uint16(mode))); err != nil {
		tp.Cancel(err != ErrNoSpace)
		v.iput(ip)
		return nil, err
	}

	dp.touch(chgMod | chgChg)
	tp.logInode(dp)
	tp.logInode(ip)

	if err := tp.bmapFinish(); err != nil {
		tp.Cancel(true)
		v.iput(ip)
		return nil, err
	}
	if err := tp.Commit(); err != nil {
		v.iput(ip)
		return nil, err
	}

	logrus.Debugf("xfs: created %q ino %d in dir %d", name, ip.Ino, dp.Ino)
	return ip, nil
}

// Unlink removes a non-directory name. When the last link goes away the
// inode and its blocks are freed in the same transaction.
func (v *Volume) Unlink(dp *Inode, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return err
	}
	if !dp.IsDir() {
		return ErrNotDir
	}
	if err := checkName(name); err != nil {
		return err
	}

	ino, err := v.lookupName(dp, name)
	if err != nil {
		return err
	}
	ip, err := v.iget(ino)
	if err != nil {
		return err
	}
	if ip.IsDir() {
		v.iput(ip)
		return ErrIsDir
	}

	tp, err := v.newTrans("remove")
	if err != nil {
		v.iput(ip)
		return err
	}
	if err := tp.Reserve(logResRemove, 0); err != nil {
		tp.Cancel(false)
		v.iput(ip)
		return err
	}
	tp.join(dp, true)
	tp.join(ip, true)

	if err := v.dropEntry(tp, dp, name, ip); err != nil {
		tp.Cancel(err != ErrNoSpace)
		v.iput(ip)
		return err
	}

	if err := tp.bmapFinish(); err != nil {
		tp.Cancel(true)
		v.iput(ip)
		return err
	}
	err = tp.Commit()
	v.iput(ip)
	return err
}

// dropEntry removes name from dp and drops one link from ip, freeing the
// inode when that was the last one. Shared by unlink and rename-over.
func (v *Volume) dropEntry(tp *Trans, dp *Inode, name string, ip *Inode) error {
	if err := tp.removeName(dp, name, ip.Ino); err != nil {
		return err
	}

	ip.Core.Nlink--
	dp.touch(chgMod | chgChg)
	ip.touch(chgChg)
	tp.logInode(dp)
	tp.logInode(ip)

	if ip.Core.Nlink == 0 {
		if err := v.freeAllBlocks(tp, ip); err != nil {
			return err
		}
		if err := tp.freeInode(ip); err != nil {
			return err
		}
	}
	return nil
}

// freeAllBlocks queues every data fork block of ip for deferred freeing,
// including the blocks of a b+tree fork's own structure.
func (v *Volume) freeAllBlocks(tp *Trans, ip *Inode) error {
	extents, err := v.readExtents(ip)
	if err != nil {
		return err
	}
	for _, e := range extents {
		tp.deferFree(e.Start, e.Count)
	}
	meta, err := v.btreeMetaBlocks(ip)
	if err != nil {
		return err
	}
	for _, fsb := range meta {
		tp.deferFree(fsb, 1)
	}
	ip.btreeRoot = nil
	ip.Extents = nil
	ip.Core.NExtents = 0
	ip.Core.NBlocks = 0
	ip.Core.Format = InodeFormatExtents
	return nil
}

// Rmdir removes an empty directory.
func (v *Volume) Rmdir(dp *Inode, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return err
	}
	if !dp.IsDir() {
		return ErrNotDir
	}
	if err := checkName(name); err != nil {
		return err
	}

	ino, err := v.lookupName(dp, name)
	if err != nil {
		return err
	}
	ip, err := v.iget(ino)
	if err != nil {
		return err
	}
	if !ip.IsDir() {
		v.iput(ip)
		return ErrNotDir
	}

	// the link count catches subdirectories, the scan catches files
	if ip.Core.Nlink > 2 {
		v.iput(ip)
		return ErrNotEmpty
	}
	empty, err := v.dirIsEmpty(ip)
	if err != nil {
		v.iput(ip)
		return err
	}
	if !empty {
		v.iput(ip)
		return ErrNotEmpty
	}

	tp, err := v.newTrans("rmdir")
	if err != nil {
		v.iput(ip)
		return err
	}
	if err := tp.Reserve(logResRemove, 0); err != nil {
		tp.Cancel(false)
		v.iput(ip)
		return err
	}
	tp.join(dp, true)
	tp.join(ip, true)

	if err := tp.removeName(dp, name, ip.Ino); err != nil {
		tp.Cancel(err != ErrNoSpace)
		v.iput(ip)
		return err
	}

	// the removed directory's ".." no longer references dp
	dp.Core.Nlink--
	ip.Core.Nlink = 0
	dp.touch(chgMod | chgChg)
	ip.touch(chgChg)
	tp.logInode(dp)

	if err := v.freeAllBlocks(tp, ip); err != nil {
		tp.Cancel(true)
		v.iput(ip)
		return err
	}
	ip.Local = nil
	if err := tp.freeInode(ip); err != nil {
		tp.Cancel(true)
		v.iput(ip)
		return err
	}

	if err := tp.bmapFinish(); err != nil {
		tp.Cancel(true)
		v.iput(ip)
		return err
	}
	err = tp.Commit()
	v.iput(ip)
	return err
}

// Rename moves src_name in sdp to dst_name in ddp, atomically replacing an
// existing destination when types allow it.
func (v *Volume) Rename(sdp *Inode, srcName string, ddp *Inode, dstName string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return err
	}
	if !sdp.IsDir() || !ddp.IsDir() {
		return ErrNotDir
	}
	if err := checkName(srcName); err != nil {
		return err
	}
	if err := checkName(dstName); err != nil {
		return err
	}

	sameDir := sdp.Ino == ddp.Ino
	if sameDir && srcName == dstName {
		return nil
	}

	srcIno, err := v.lookupName(sdp, srcName)
	if err != nil {
		return err
	}
	srcIp, err := v.iget(srcIno)
	if err != nil {
		return err
	}
	srcIsDir := srcIp.IsDir()

	var dstIp *Inode
	if dstIno, err := v.lookupName(ddp, dstName); err == nil {
		if dstIno == srcIno {
			v.iput(srcIp)
			return nil
		}
		dstIp, err = v.iget(dstIno)
		if err != nil {
			v.iput(srcIp)
			return err
		}
		if srcIsDir != dstIp.IsDir() {
			err = ErrNotDir
			if dstIp.IsDir() {
				err = ErrIsDir
			}
			v.iput(srcIp)
			v.iput(dstIp)
			return err
		}
		if dstIp.IsDir() {
			empty, err := v.dirIsEmpty(dstIp)
			if err != nil {
				v.iput(srcIp)
				v.iput(dstIp)
				return err
			}
			if !empty || dstIp.Core.Nlink > 2 {
				v.iput(srcIp)
				v.iput(dstIp)
				return ErrNotEmpty
			}
		}
	} else if err != ErrNotExist {
		v.iput(srcIp)
		return err
	}

	release := func() {
		v.iput(srcIp)
		if dstIp != nil {
			v.iput(dstIp)
		}
	}

	tp, err := v.newTrans("rename")
	if err != nil {
		release()
		return err
	}
	if err := tp.Reserve(logResRename, v.createBlockRes()); err != nil {
		tp.Cancel(false)
		release()
		return err
	}

	tp.join(sdp, true)
	if !sameDir {
		tp.join(ddp, true)
	}
	tp.join(srcIp, true)
	if dstIp != nil {
		tp.join(dstIp, true)
	}

	abort := func(err error) error {
		tp.Cancel(err != ErrNoSpace)
		release()
		return err
	}

	// replace or create the destination entry first, then drop the source
	if dstIp != nil {
		if err := tp.removeName(ddp, dstName, dstIp.Ino); err != nil {
			return abort(err)
		}
		if dstIp.IsDir() {
			ddp.Core.Nlink--
			dstIp.Core.Nlink = 0
			if err := v.freeAllBlocks(tp, dstIp); err != nil {
				return abort(err)
			}
			dstIp.Local = nil
			if err := tp.freeInode(dstIp); err != nil {
				return abort(err)
			}
		} else {
			dstIp.Core.Nlink--
			dstIp.touch(chgChg)
			tp.logInode(dstIp)
			if dstIp.Core.Nlink == 0 {
				if err := v.freeAllBlocks(tp, dstIp); err != nil {
					return abort(err)
				}
				if err := tp.freeInode(dstIp); err != nil {
					return abort(err)
				}
			}
		}
	}

	if err := tp.createName(ddp, dstName, srcIp.Ino, modeToFType(srcIp.Core.Mode)); err != nil {
		return abort(err)
	}
	if err := tp.removeName(sdp, srcName, srcIp.Ino); err != nil {
		return abort(err)
	}

	if srcIsDir && !sameDir {
		// the moved directory's ".." follows it to the new parent
		sdp.Core.Nlink--
		ddp.Core.Nlink++
		if err := tp.replaceName(srcIp, "..", ddp.Ino); err != nil {
			return abort(err)
		}
	}

	sdp.touch(chgMod | chgChg)
	tp.logInode(sdp)
	if !sameDir {
		ddp.touch(chgMod | chgChg)
		tp.logInode(ddp)
	}
	srcIp.touch(chgChg)
	tp.logInode(srcIp)

	if err := tp.bmapFinish(); err != nil {
		return abort(err)
	}
	err = tp.Commit()
	release()
	return err
}

// Link adds a new name for an existing non-directory inode.
func (v *Volume) Link(target *Inode, dp *Inode, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return err
	}
	if !dp.IsDir() {
		return ErrNotDir
	}
	if target.IsDir() {
		return ErrIsDir
	}
	if err := checkName(name); err != nil {
		return err
	}
	if target.Core.Nlink >= v.sb.MaxLink() {
		return ErrTooManyLinks
	}

	if _, err := v.lookupName(dp, name); err == nil {
		return ErrExist
	} else if err != ErrNotExist {
		return err
	}

	tp, err := v.newTrans("link")
	if err != nil {
		return err
	}
	if err := tp.Reserve(logResLink, v.createBlockRes()); err != nil {
		tp.Cancel(false)
		return err
	}
	tp.join(dp, true)
	tp.join(target, true)

	target.Core.Nlink++
	if err := tp.createName(dp, name, target.Ino, modeToFType(target.Core.Mode)); err != nil {
		tp.Cancel(err != ErrNoSpace)
		return err
	}

	dp.touch(chgMod | chgChg)
	target.touch(chgChg)
	tp.logInode(dp)
	tp.logInode(target)

	if err := tp.bmapFinish(); err != nil {
		tp.Cancel(true)
		return err
	}
	return tp.Commit()
}

// Symlink creates a symbolic link holding target. Short targets live inside
// the inode, long ones in allocated blocks. The returned handle is owned by
// the caller.
func (v *Volume) Symlink(dp *Inode, name string, target string) (*Inode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return nil, err
	}
	if !dp.IsDir() {
		return nil, ErrNotDir
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	if len(target) == 0 || len(target) >= 1024 {
		return nil, ErrNameTooLong
	}

	if _, err := v.lookupName(dp, name); err == nil {
		return nil, ErrExist
	} else if err != ErrNotExist {
		return nil, err
	}

	tp, err := v.newTrans("symlink")
	if err != nil {
		return nil, err
	}
	blocks := (int64(len(target)) + v.blockSize() - 1) / v.blockSize()
	if err := tp.Reserve(logResSymlink, v.createBlockRes()+blocks); err != nil {
		tp.Cancel(false)
		return nil, err
	}

	ip, err := tp.allocInode(dp, S_IFLNK|0777, 1, 0, uint32(os.Getuid()), uint32(os.Getgid()))
	if err != nil {
		tp.Cancel(err != ErrNoSpace)
		return nil, err
	}
	tp.join(dp, true)

	if len(target) <= ip.forkCapacity() {
		ip.Core.Format = InodeFormatLocal
		ip.Local = []byte(target)
	} else {
		if err := v.writeRemoteSymlink(tp, ip, target); err != nil {
			tp.Cancel(err != ErrNoSpace)
			v.iput(ip)
			return nil, err
		}
	}
	ip.Core.Size = int64(len(target))

	if err := tp.createName(dp, name, ip.Ino, FTypeSymlink); err != nil {
		tp.Cancel(err != ErrNoSpace)
		v.iput(ip)
		return nil, err
	}

	dp.touch(chgMod | chgChg)
	tp.logInode(dp)
	tp.logInode(ip)

	if err := tp.bmapFinish(); err != nil {
		tp.Cancel(true)
		v.iput(ip)
		return nil, err
	}
	if err := tp.Commit(); err != nil {
		v.iput(ip)
		return nil, err
	}
	return ip, nil
}

// writeRemoteSymlink stores a long symlink target in allocated blocks.
func (v *Volume) writeRemoteSymlink(tp *Trans, ip *Inode, target string) error {
	bsize := v.blockSize()
	hdr := 0
	if v.sb.HasCRC() {
		hdr = SymlinkHdrSize
	}
	payload := bsize - int64(hdr)
	blocks := (int64(len(target)) + payload - 1) / payload

	exts, err := tp.allocExtents(blocks, v.inoToAG(ip.Ino))
	if err != nil {
		return err
	}

	rest := []byte(target)
	fileOff := uint64(0)
	srcOff := uint32(0)
	for i := range exts {
		exts[i].FileOff = fileOff
		fileOff += exts[i].Count
		for blk := uint64(0); blk < exts[i].Count; blk++ {
			buf := tp.getBuf(v.fsbToDaddr(exts[i].Start+blk), int(bsize))
			for j := range buf.Data {
				buf.Data[j] = 0
			}
			n := copy(buf.Data[hdr:], rest)
			if hdr > 0 {
				binary.BigEndian.PutUint32(buf.Data, SymlinkMagic)
				binary.BigEndian.PutUint32(buf.Data[4:], srcOff)
				binary.BigEndian.PutUint32(buf.Data[8:], uint32(n))
				copy(buf.Data[16:32], v.sb.UUID[:])
				binary.BigEndian.PutUint64(buf.Data[32:], ip.Ino)
				tp.logBuf(buf, SymlinkCRCOffset)
			} else {
				tp.logBuf(buf, -1)
			}
			rest = rest[n:]
			srcOff += uint32(n)
		}
	}

	ip.Core.Format = InodeFormatExtents
	ip.Extents = mergeExtents(exts)
	ip.Core.NExtents = int32(len(ip.Extents))
	ip.Core.NBlocks = uint64(blocks)
	return nil
}

// Truncate changes a regular file's size. Shrinking frees every block past
// the new end of file.
func (v *Volume) Truncate(ip *Inode, size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return err
	}
	if !ip.IsRegular() {
		return ErrInvalid
	}
	if size < 0 {
		return ErrInvalid
	}
	if ip.Core.Format == InodeFormatBTree {
		return ErrNotSupported
	}

	tp, err := v.newTrans("truncate")
	if err != nil {
		return err
	}
	if err := tp.Reserve(logResAttr, 0); err != nil {
		tp.Cancel(false)
		return err
	}
	tp.join(ip, true)

	if size < ip.Core.Size {
		keep := uint64((size + v.blockSize() - 1) / v.blockSize())
		var kept []Extent
		var freed uint64
		for _, e := range ip.Extents {
			switch {
			case e.FileOff+e.Count <= keep:
				kept = append(kept, e)
			case e.FileOff >= keep:
				tp.deferFree(e.Start, e.Count)
				freed += e.Count
			default:
				cut := keep - e.FileOff
				kept = append(kept, Extent{FileOff: e.FileOff, Start: e.Start, Count: cut, Unwritten: e.Unwritten})
				tp.deferFree(e.Start+cut, e.Count-cut)
				freed += e.Count - cut
			}
		}
		ip.Extents = kept
		ip.Core.NExtents = int32(len(kept))
		ip.Core.NBlocks -= freed
	}

	ip.Core.Size = size
	ip.touch(chgMod | chgChg)
	tp.logInode(ip)

	if err := tp.bmapFinish(); err != nil {
		tp.Cancel(true)
		return err
	}
	return tp.Commit()
}

// WriteAt writes file data, allocating blocks as needed and extending the
// size when the write crosses end of file. Work proceeds in chunks of at
// most 16 blocks per transaction; a failure mid-way returns the bytes
// already written.
func (ip *Inode) WriteAt(p []byte, off int64) (int, error) {
	v := ip.vol
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return 0, err
	}
	if !ip.IsRegular() {
		return 0, ErrInvalid
	}
	if ip.Core.Format == InodeFormatBTree {
		return 0, ErrNotSupported
	}
	if off < 0 {
		return 0, ErrInvalid
	}

	bsize := v.blockSize()
	written := 0
	for written < len(p) {
		chunk := len(p) - written
		if int64(chunk) > 16*bsize {
			chunk = int(16 * bsize)
		}
		n, err := v.writeChunk(ip, p[written:written+chunk], off+int64(written))
		written += n
		if err != nil {
			if written > 0 {
				logrus.Warnf("xfs: short write on inode %d: %s", ip.Ino, err)
				return written, nil
			}
			return 0, err
		}
	}
	return written, nil
}

// writeChunk performs one transaction worth of writing.
func (v *Volume) writeChunk(ip *Inode, p []byte, off int64) (int, error) {
	bsize := v.blockSize()
	startFB := uint64(off / bsize)
	endFB := uint64((off + int64(len(p)) + bsize - 1) / bsize)
	count := int64(endFB - startFB)

	tp, err := v.newTrans("write")
	if err != nil {
		return 0, err
	}
	if err := tp.Reserve(logResWrite, count); err != nil {
		tp.Cancel(false)
		return 0, err
	}
	tp.join(ip, true)

	cancel := func(err error) (int, error) {
		tp.Cancel(err != ErrNoSpace && err != ErrNotSupported)
		return 0, err
	}

	// make sure every block in range is mapped and in written state
	ip.Extents = convertUnwritten(ip.Extents, startFB, endFB)
	ip.Core.NExtents = int32(len(ip.Extents))
	exts := ip.Extents
	var adds []Extent
	fb := startFB
	for fb < endFB {
		if e := lookupExtent(exts, fb); e != nil {
			fb = e.FileOff + e.Count
			continue
		}
		// hole: find its end within our range
		holeEnd := endFB
		for _, e := range exts {
			if e.FileOff > fb && e.FileOff < holeEnd {
				holeEnd = e.FileOff
			}
		}
		got, err := tp.allocExtents(int64(holeEnd-fb), v.inoToAG(ip.Ino))
		if err != nil {
			return cancel(err)
		}
		at := fb
		for i := range got {
			got[i].FileOff = at
			at += got[i].Count
		}
		adds = append(adds, got...)
		ip.Core.NBlocks += uint64(holeEnd - fb)
		fb = holeEnd
	}
	if len(adds) > 0 {
		ip.Extents = mergeExtents(append(ip.Extents, adds...))
		ip.Core.NExtents = int32(len(ip.Extents))
		if len(ip.Extents) > ip.maxInlineExtents() {
			return cancel(ErrNotSupported)
		}
	}

	// copy the data through logged buffers
	for fb = startFB; fb < endFB; fb++ {
		e := lookupExtent(ip.Extents, fb)
		if e == nil {
			return cancel(ErrCorrupt)
		}
		fsb := e.Start + (fb - e.FileOff)
		blkStart := int64(fb) * bsize

		fullyCovered := off <= blkStart && off+int64(len(p)) >= blkStart+bsize
		beyondEOF := blkStart >= ip.Core.Size

		var buf *Buffer
		if fullyCovered || beyondEOF {
			buf = tp.getBuf(v.fsbToDaddr(fsb), int(bsize))
			if beyondEOF && !fullyCovered {
				for i := range buf.Data {
					buf.Data[i] = 0
				}
			}
		} else {
			buf, err = tp.readBuf(v.fsbToDaddr(fsb), int(bsize))
			if err != nil {
				return cancel(err)
			}
		}

		srcStart := blkStart - off
		dstOff := int64(0)
		if srcStart < 0 {
			dstOff = -srcStart
			srcStart = 0
		}
		copy(buf.Data[dstOff:], p[srcStart:])
		tp.logBuf(buf, -1)
	}

	if off+int64(len(p)) > ip.Core.Size {
		ip.Core.Size = off + int64(len(p))
	}
	ip.touch(chgMod | chgChg)
	tp.logInode(ip)

	if err := tp.bmapFinish(); err != nil {
		return cancel(err)
	}
	if err := tp.Commit(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// convertUnwritten splits unwritten extents around [startFB, endFB) so that
// exactly the covered portion flips to written state; the uncovered parts
// keep reading back as zeroes.
func convertUnwritten(exts []Extent, startFB, endFB uint64) []Extent {
	var out []Extent
	for _, e := range exts {
		if !e.Unwritten || e.FileOff >= endFB || e.FileOff+e.Count <= startFB {
			out = append(out, e)
			continue
		}
		lo, hi := e.FileOff, e.FileOff+e.Count
		if lo < startFB {
			out = append(out, Extent{FileOff: lo, Start: e.Start, Count: startFB - lo, Unwritten: true})
			lo = startFB
		}
		covered := hi
		if covered > endFB {
			covered = endFB
		}
		out = append(out, Extent{FileOff: lo, Start: e.Start + (lo - e.FileOff), Count: covered - lo})
		if covered < hi {
			out = append(out, Extent{FileOff: covered, Start: e.Start + (covered - e.FileOff), Count: hi - covered, Unwritten: true})
		}
	}
	return mergeExtents(out)
}

// SetMode changes the permission bits, preserving the file type.
func (v *Volume) SetMode(ip *Inode, mode uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setattr(ip, func() {
		ip.Core.Mode = ip.Core.Mode&S_IFMT | uint16(mode)&^S_IFMT
	})
}

// SetOwner changes uid and/or gid; pass -1 to keep a value. Changing either
// clears the setuid/setgid bits.
func (v *Volume) SetOwner(ip *Inode, uid, gid int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setattr(ip, func() {
		if uid >= 0 {
			ip.Core.UID = uint32(uid)
		}
		if gid >= 0 {
			ip.Core.GID = uint32(gid)
		}
		if uid >= 0 || gid >= 0 {
			ip.Core.Mode &^= S_ISUID | S_ISGID
		}
	})
}

// SetTimes updates atime and/or mtime; nil keeps a value. ctime always
// advances.
func (v *Volume) SetTimes(ip *Inode, atime, mtime *time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setattr(ip, func() {
		if atime != nil {
			ip.Core.ATime = ip.encodeTime(*atime)
		}
		if mtime != nil {
			ip.Core.MTime = ip.encodeTime(*mtime)
		}
	})
}

// setattr runs a small core-only mutation under the usual skeleton.
func (v *Volume) setattr(ip *Inode, change func()) error {
	if err := v.writable(); err != nil {
		return err
	}

	tp, err := v.newTrans("setattr")
	if err != nil {
		return err
	}
	if err := tp.Reserve(logResAttr, 0); err != nil {
		tp.Cancel(false)
		return err
	}
	tp.join(ip, true)

	change()
	ip.touch(chgChg)
	tp.logInode(ip)

	return tp.Commit()
}

// Fsync flushes dirty buffers. Commits already write through, so there is
// normally nothing left to write; the superblock counters are not written
// here and stay in memory until Unmount.
func (v *Volume) Fsync(ip *Inode) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readonly || v.shutdown {
		return nil
	}
	return v.bc.flush()
}

// StatFS is the volume-level usage summary surfaced by statfs.
type StatFS struct {
	BlockSize uint32
	Blocks    uint64
	BFree     uint64
	Files     uint64
	FFree     uint64
	NameLen   uint32
	FsID      uint64
}

// Statfs reports the superblock's view of capacity and usage.
func (v *Volume) Statfs() StatFS {
	v.mu.Lock()
	defer v.mu.Unlock()
	return StatFS{
		BlockSize: v.sb.BlockSize,
		Blocks:    v.sb.DataBlocks,
		BFree:     v.sb.DataFree,
		Files:     v.maxICount(),
		FFree:     v.sb.InodesFree,
		NameLen:   MaxNameLen,
		FsID:      binary.BigEndian.Uint64(v.sb.UUID[:8]),
	}
}
