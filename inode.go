package xfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Inode is the in-memory form of an on-disk inode, handed out as a
// reference-counted handle. Every retrieval through GetInode must be
// balanced by exactly one Release on every control-flow exit.
type Inode struct {
	// refcnt is first value to get guaranteed 64bits alignment, if not sync/atomic will panic
	refcnt uint64

	vol *Volume

	Ino  uint64
	Core InodeCore
	V3   InodeCoreV3

	// data fork, by Core.Format
	Local   []byte   // local: inline payload (short-form dir, symlink text)
	Extents []Extent // extents: decoded record array
	Rdev    uint32   // dev: device number

	btreeRoot []byte // btree: raw fork area, decoded on demand
	rawLit    []byte // original literal area, preserves the attribute fork

	dirty         bool
	freeOnRelease bool
}

// GetInode returns a handle for the given inode number, fetching and
// decoding it on first use. The handle must be released.
func (v *Volume) GetInode(ino uint64) (*Inode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.iget(ino)
}

// Release drops one reference to the handle.
func (v *Volume) Release(ip *Inode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.iput(ip)
}

// iget is GetInode with the volume lock already held.
func (v *Volume) iget(ino uint64) (*Inode, error) {
	if ip, ok := v.inodes[ino]; ok {
		ip.AddRef(1)
		return ip, nil
	}

	if err := v.checkIno(ino); err != nil {
		return nil, err
	}

	daddr, blen, offset := v.inoPosition(ino)
	blk, err := v.bc.read(daddr, blen)
	if err != nil {
		return nil, err
	}

	ip := &Inode{vol: v, Ino: ino}
	if err := ip.decode(blk.Data[offset : offset+int(v.sb.InodeSize)]); err != nil {
		return nil, err
	}
	ip.AddRef(1)
	v.inodes[ino] = ip
	return ip, nil
}

// iput is Release with the volume lock already held.
func (v *Volume) iput(ip *Inode) {
	if ip == nil {
		return
	}
	if ip.DelRef(1) == 0 && ip.freeOnRelease {
		delete(v.inodes, ip.Ino)
	}
}

func (ip *Inode) AddRef(count uint64) uint64 {
	return atomic.AddUint64(&ip.refcnt, count)
}

func (ip *Inode) DelRef(count uint64) uint64 {
	return atomic.AddUint64(&ip.refcnt, ^(count - 1))
}

// RefCount returns the current number of outstanding references.
func (ip *Inode) RefCount() uint64 {
	return atomic.LoadUint64(&ip.refcnt)
}

// decode parses one on-disk inode record.
func (ip *Inode) decode(data []byte) error {
	v := ip.vol

	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.BigEndian, &ip.Core); err != nil {
		return err
	}
	if ip.Core.Magic != InodeMagicNumber {
		return fmt.Errorf("%w: inode %d bad magic %#x", ErrCorrupt, ip.Ino, ip.Core.Magic)
	}

	litStart := InodeCoreSizeV2 + 4
	switch ip.Core.Version {
	case InodeVersion1:
		// V1 kept the link count in di_onlink
		ip.Core.Nlink = uint32(ip.Core.Onlink)
	case InodeVersion2:
	case InodeVersion3:
		if v.sb.HasCRC() && !VerifyCksum(data, InodeCRCOffset) {
			return fmt.Errorf("%w: inode %d checksum mismatch", ErrCorrupt, ip.Ino)
		}
		vr := bytes.NewReader(data[InodeCRCOffset+4:])
		if err := binary.Read(vr, binary.BigEndian, &ip.V3); err != nil {
			return err
		}
		if ip.V3.Ino != ip.Ino {
			return fmt.Errorf("%w: inode %d self-reference says %d", ErrCorrupt, ip.Ino, ip.V3.Ino)
		}
		litStart = InodeCoreSizeV3
	default:
		return fmt.Errorf("%w: inode %d bad version %d", ErrCorrupt, ip.Ino, ip.Core.Version)
	}

	lit := data[litStart:]
	ip.rawLit = append([]byte(nil), lit...)

	dsize := len(lit)
	if ip.Core.AFormat != 0 && ip.Core.ForkOff != 0 {
		dsize = int(ip.Core.ForkOff) * 8
		if dsize > len(lit) {
			return fmt.Errorf("%w: inode %d fork offset beyond literal area", ErrCorrupt, ip.Ino)
		}
	}
	fork := lit[:dsize]

	ip.Local = nil
	ip.Extents = nil
	ip.btreeRoot = nil
	ip.Rdev = 0

	switch ip.Core.Format {
	case InodeFormatDev:
		if len(fork) >= 4 {
			ip.Rdev = binary.BigEndian.Uint32(fork)
		}
	case InodeFormatLocal:
		if int(ip.Core.Size) > len(fork) {
			return fmt.Errorf("%w: inode %d local data larger than fork", ErrCorrupt, ip.Ino)
		}
		ip.Local = append([]byte(nil), fork[:ip.Core.Size]...)
	case InodeFormatExtents:
		n := int(ip.Core.NExtents)
		if n < 0 || n*extRecordSize > len(fork) {
			return fmt.Errorf("%w: inode %d has %d extents in a %d byte fork", ErrCorrupt, ip.Ino, n, len(fork))
		}
		ip.Extents = make([]Extent, n)
		for i := 0; i < n; i++ {
			ip.Extents[i] = unpackExtent(fork[i*extRecordSize:])
		}
	case InodeFormatBTree:
		ip.btreeRoot = append([]byte(nil), fork...)
	case InodeFormatUUID:
		// mount point pseudo-inode, not traversed
	default:
		return fmt.Errorf("%w: inode %d bad format %d", ErrCorrupt, ip.Ino, ip.Core.Format)
	}

	return nil
}

// encode serializes the inode back into its on-disk record.
func (ip *Inode) encode() []byte {
	v := ip.vol
	data := make([]byte, v.sb.InodeSize)

	w := new(bytes.Buffer)
	core := ip.Core
	if core.Version == InodeVersion1 {
		core.Onlink = uint16(core.Nlink)
	}
	binary.Write(w, binary.BigEndian, &core)
	copy(data, w.Bytes())

	litStart := InodeCoreSizeV2 + 4
	if ip.Core.Version == InodeVersion3 {
		w.Reset()
		binary.Write(w, binary.BigEndian, &ip.V3)
		copy(data[InodeCRCOffset+4:], w.Bytes())
		litStart = InodeCoreSizeV3
	}

	lit := data[litStart:]
	copy(lit, ip.rawLit)

	dsize := len(lit)
	if ip.Core.AFormat != 0 && ip.Core.ForkOff != 0 {
		dsize = int(ip.Core.ForkOff) * 8
	}
	fork := lit[:dsize]
	for i := range fork {
		fork[i] = 0
	}

	switch ip.Core.Format {
	case InodeFormatDev:
		binary.BigEndian.PutUint32(fork, ip.Rdev)
	case InodeFormatLocal:
		copy(fork, ip.Local)
	case InodeFormatExtents:
		for i, e := range ip.Extents {
			rec := packExtent(e)
			copy(fork[i*extRecordSize:], rec[:])
		}
	case InodeFormatBTree:
		copy(fork, ip.btreeRoot)
	}

	if ip.Core.Version == InodeVersion3 {
		UpdateCksum(data, InodeCRCOffset)
	}
	return data
}

// forkCapacity is the number of data fork bytes available in this inode.
func (ip *Inode) forkCapacity() int {
	size := ip.vol.litino(ip.Core.Version)
	if ip.Core.AFormat != 0 && ip.Core.ForkOff != 0 {
		size = int(ip.Core.ForkOff) * 8
	}
	return size
}

// maxInlineExtents is how many extent records fit in the inline fork.
func (ip *Inode) maxInlineExtents() int {
	return ip.forkCapacity() / extRecordSize
}

//
// type predicates, following the unix mode bits
//

func (ip *Inode) IsDir() bool {
	return ip.Core.Mode&S_IFMT == S_IFDIR
}

func (ip *Inode) IsSymlink() bool {
	return ip.Core.Mode&S_IFMT == S_IFLNK
}

func (ip *Inode) IsRegular() bool {
	return ip.Core.Mode&S_IFMT == S_IFREG
}

//
// timestamps
//

// bigtime reports whether this inode's timestamps are 64-bit nanosecond
// counters rather than split seconds.
func (ip *Inode) bigtime() bool {
	return ip.Core.Version == InodeVersion3 && ip.V3.Flags2&InodeFlag2Bigtime != 0
}

// decodeTime converts an on-disk timestamp to wall time.
func (ip *Inode) decodeTime(ts Timestamp) time.Time {
	if ip.bigtime() {
		ns := uint64(ts.Sec)<<32 | uint64(ts.NSec)
		sec := int64(ns/1e9) - BigtimeEpochOffset
		return time.Unix(sec, int64(ns%1e9))
	}
	return time.Unix(int64(int32(ts.Sec)), int64(ts.NSec))
}

// encodeTime converts wall time to this inode's on-disk timestamp form.
func (ip *Inode) encodeTime(t time.Time) Timestamp {
	if ip.bigtime() {
		ns := uint64(t.Unix()+BigtimeEpochOffset)*1e9 + uint64(t.Nanosecond())
		return Timestamp{Sec: uint32(ns >> 32), NSec: uint32(ns)}
	}
	return Timestamp{Sec: uint32(t.Unix()), NSec: uint32(t.Nanosecond())}
}

func (ip *Inode) ATime() time.Time { return ip.decodeTime(ip.Core.ATime) }
func (ip *Inode) MTime() time.Time { return ip.decodeTime(ip.Core.MTime) }
func (ip *Inode) CTime() time.Time { return ip.decodeTime(ip.Core.CTime) }

// CrTime returns the creation time on V3 inodes, falling back to ctime.
func (ip *Inode) CrTime() time.Time {
	if ip.Core.Version == InodeVersion3 {
		return ip.decodeTime(ip.V3.CrTime)
	}
	return ip.CTime()
}

// time change flags, following the original's XFS_ICHGTIME_*
const (
	chgMod = 1 << iota // mtime
	chgChg             // ctime
	chgAcc             // atime
)

// touch updates the selected timestamps to now.
func (ip *Inode) touch(flags int) {
	now := ip.encodeTime(time.Now())
	if flags&chgMod != 0 {
		ip.Core.MTime = now
	}
	if flags&chgChg != 0 {
		ip.Core.CTime = now
	}
	if flags&chgAcc != 0 {
		ip.Core.ATime = now
	}
}

//
// data reads
//

// ReadAt reads file content, resolving extents to device blocks through the
// buffer cache. Holes and unwritten extents read as zeroes.
func (ip *Inode) ReadAt(p []byte, off int64) (int, error) {
	v := ip.vol
	v.mu.Lock()
	defer v.mu.Unlock()

	if !ip.IsRegular() {
		return 0, ErrInvalid
	}
	return v.readData(ip, p, off)
}

// readData implements ReadAt with the volume lock held; it is shared with
// the symlink reader.
func (v *Volume) readData(ip *Inode, p []byte, off int64) (int, error) {
	size := ip.Core.Size
	if off >= size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > size {
		p = p[:size-off]
	}

	// start from zeroes so holes and unwritten extents need no work
	for i := range p {
		p[i] = 0
	}

	if ip.Core.Format == InodeFormatLocal {
		copy(p, ip.Local[off:])
		return len(p), nil
	}

	bsize := v.blockSize()
	var werr error
	err := v.forEachExtent(ip, func(e Extent) bool {
		if e.Unwritten {
			return true
		}
		extStart := int64(e.FileOff) * bsize
		extEnd := extStart + int64(e.Count)*bsize
		if extEnd <= off || extStart >= off+int64(len(p)) {
			return extStart < off+int64(len(p))
		}

		// copy the overlapping blocks one buffer at a time
		for blk := int64(0); blk < int64(e.Count); blk++ {
			blkStart := extStart + blk*bsize
			if blkStart+bsize <= off || blkStart >= off+int64(len(p)) {
				continue
			}
			buf, err := v.bc.read(v.fsbToDaddr(e.Start+uint64(blk)), int(bsize))
			if err != nil {
				werr = err
				return false
			}
			src := buf.Data
			dstOff := blkStart - off
			if dstOff < 0 {
				src = src[-dstOff:]
				dstOff = 0
			}
			copy(p[dstOff:], src)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if werr != nil {
		return 0, werr
	}
	return len(p), nil
}

// Readlink returns the symlink target.
func (ip *Inode) Readlink() ([]byte, error) {
	v := ip.vol
	v.mu.Lock()
	defer v.mu.Unlock()

	if !ip.IsSymlink() {
		return nil, ErrInvalid
	}

	switch ip.Core.Format {
	case InodeFormatLocal:
		return append([]byte(nil), ip.Local...), nil
	case InodeFormatExtents:
		return v.readRemoteSymlink(ip)
	}
	return nil, fmt.Errorf("%w: symlink %d has fork format %d", ErrCorrupt, ip.Ino, ip.Core.Format)
}

// readRemoteSymlink reads a block-stored symlink target. V5 filesystems
// prefix every symlink block with a 56 byte header.
func (v *Volume) readRemoteSymlink(ip *Inode) ([]byte, error) {
	out := make([]byte, 0, ip.Core.Size)
	remaining := ip.Core.Size
	hdr := 0
	if v.sb.HasCRC() {
		hdr = SymlinkHdrSize
	}

	var werr error
	err := v.forEachExtent(ip, func(e Extent) bool {
		for blk := uint64(0); blk < e.Count && remaining > 0; blk++ {
			buf, err := v.bc.read(v.fsbToDaddr(e.Start+blk), int(v.sb.BlockSize))
			if err != nil {
				werr = err
				return false
			}
			payload := buf.Data[hdr:]
			if hdr > 0 {
				if binary.BigEndian.Uint32(buf.Data) != SymlinkMagic {
					werr = fmt.Errorf("%w: symlink %d bad block magic", ErrCorrupt, ip.Ino)
					return false
				}
			}
			n := int64(len(payload))
			if n > remaining {
				n = remaining
			}
			out = append(out, payload[:n]...)
			remaining -= n
		}
		return remaining > 0
	})
	if err != nil {
		return nil, err
	}
	if werr != nil {
		return nil, werr
	}
	if remaining > 0 {
		logrus.Warnf("xfs: symlink %d short by %d bytes", ip.Ino, remaining)
		return nil, fmt.Errorf("%w: symlink %d data incomplete", ErrCorrupt, ip.Ino)
	}
	return out, nil
}
