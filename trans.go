package xfs

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// transaction states
const (
	transNew = iota
	transReserved
	transDirty
	transCommitted
	transCanceled
)

// savedInode snapshots an inode's mutable state so a canceled transaction
// leaves no observable side effect.
type savedInode struct {
	core      InodeCore
	v3        InodeCoreV3
	local     []byte
	extents   []Extent
	rdev      uint32
	btreeRoot []byte
	freeFlag  bool
}

type transInode struct {
	ip      *Inode
	hold    bool // do not release the caller's reference at commit/cancel
	created bool // inode allocated inside this transaction
	logged  bool
	prev    savedInode
}

// Trans is a mutation context: it accumulates joined inodes, logged buffers,
// deferred block frees and superblock counter deltas, and applies or
// discards them atomically. On any error after join the caller must Cancel.
type Trans struct {
	vol   *Volume
	kind  string
	state int

	blockRes int64 // reserved free blocks
	logRes   int64 // reserved log bytes, accounted but not persisted

	inodes []*transInode
	bufs   []*Buffer
	frees  []Extent

	icountDelta   int64
	ifreeDelta    int64
	fdblocksDelta int64
}

// newTrans allocates an empty transaction. The kind names the reservation
// class, mirroring the original's transaction type tags.
func (v *Volume) newTrans(kind string) (*Trans, error) {
	if v.shutdown {
		return nil, ErrShutdown
	}
	return &Trans{vol: v, kind: kind}, nil
}

// Reserve accounts for the log space and free blocks this transaction may
// consume. It fails with ErrNoSpace when the filesystem cannot cover the
// block reservation.
func (t *Trans) Reserve(logRes, blockRes int64) error {
	if t.state != transNew {
		return ErrInvalid
	}
	if blockRes > 0 && uint64(blockRes) > t.vol.sb.DataFree {
		return ErrNoSpace
	}
	t.logRes = logRes
	t.blockRes = blockRes
	t.state = transReserved
	return nil
}

// join associates an inode with the transaction. When hold is false the
// transaction owns the caller's reference and releases it on commit or
// cancel; hold keeps the reference with the caller, as the original's
// trans_ihold did.
func (t *Trans) join(ip *Inode, hold bool) {
	for _, ti := range t.inodes {
		if ti.ip == ip {
			if hold {
				ti.hold = true
			}
			return
		}
	}
	t.inodes = append(t.inodes, &transInode{
		ip:   ip,
		hold: hold,
		prev: snapshotInode(ip),
	})
}

// joinNew registers an inode allocated inside this transaction. The caller
// keeps its reference; cancel evicts the inode from the cache entirely.
func (t *Trans) joinNew(ip *Inode) {
	t.inodes = append(t.inodes, &transInode{
		ip:      ip,
		hold:    true,
		created: true,
	})
}

func snapshotInode(ip *Inode) savedInode {
	return savedInode{
		core:      ip.Core,
		v3:        ip.V3,
		local:     append([]byte(nil), ip.Local...),
		extents:   append([]Extent(nil), ip.Extents...),
		rdev:      ip.Rdev,
		btreeRoot: append([]byte(nil), ip.btreeRoot...),
		freeFlag:  ip.freeOnRelease,
	}
}

func restoreInode(ip *Inode, s savedInode) {
	ip.Core = s.core
	ip.V3 = s.v3
	ip.Local = s.local
	ip.Extents = s.extents
	ip.Rdev = s.rdev
	ip.btreeRoot = s.btreeRoot
	ip.freeOnRelease = s.freeFlag
	ip.dirty = false
}

// logInode marks a joined inode's core (and fork data) for writeback at
// commit.
func (t *Trans) logInode(ip *Inode) {
	for _, ti := range t.inodes {
		if ti.ip == ip {
			ti.logged = true
			ip.dirty = true
			t.state = transDirty
			return
		}
	}
	// logging an un-joined inode is a programming error
	panic("xfs: logInode on inode not joined to transaction")
}

// readBuf reads a buffer through the cache on behalf of the transaction.
func (t *Trans) readBuf(daddr int64, length int) (*Buffer, error) {
	return t.vol.bc.read(daddr, length)
}

// getBuf returns a buffer that is about to be completely rewritten.
func (t *Trans) getBuf(daddr int64, length int) *Buffer {
	return t.vol.bc.get(daddr, length)
}

// logBuf marks a buffer dirty as part of this transaction. crcOff names the
// checksum slot to refresh at writeback for V5 metadata, or -1.
func (t *Trans) logBuf(b *Buffer, crcOff int) {
	b.dirty = true
	if t.vol.sb.HasCRC() {
		b.crcOff = crcOff
	} else {
		b.crcOff = -1
	}
	for _, have := range t.bufs {
		if have == b {
			return
		}
	}
	t.bufs = append(t.bufs, b)
	t.state = transDirty
}

// deferFree queues blocks to free when bmapFinish runs.
func (t *Trans) deferFree(fsb uint64, count uint64) {
	t.frees = append(t.frees, Extent{Start: fsb, Count: count})
}

// bmapFinish executes the deferred block frees accumulated so far.
func (t *Trans) bmapFinish() error {
	frees := t.frees
	t.frees = nil
	for _, e := range frees {
		if err := t.freeExtent(e.Start, e.Count); err != nil {
			return err
		}
	}
	return nil
}

// Commit writes all logged buffers and inodes through the buffer cache,
// applies the superblock counter deltas and releases un-held references.
// An I/O failure here shuts the mount down.
func (t *Trans) Commit() error {
	v := t.vol
	if t.state == transCommitted || t.state == transCanceled {
		return ErrInvalid
	}
	if len(t.frees) != 0 {
		// deferred frees not finished; run them now
		if err := t.bmapFinish(); err != nil {
			t.Cancel(true)
			return err
		}
	}

	// buffers first, in insertion order, then the joined inodes
	for _, b := range t.bufs {
		if err := v.bc.write(b); err != nil {
			v.forceShutdown(err)
			t.release()
			t.state = transCanceled
			return fmt.Errorf("commit: %w", err)
		}
	}
	for _, ti := range t.inodes {
		if !ti.logged || !ti.ip.dirty {
			continue
		}
		if err := v.flushInode(ti.ip); err != nil {
			v.forceShutdown(err)
			t.release()
			t.state = transCanceled
			return fmt.Errorf("commit inode %d: %w", ti.ip.Ino, err)
		}
	}

	v.sb.InodesAllocated = addDelta(v.sb.InodesAllocated, t.icountDelta)
	v.sb.InodesFree = addDelta(v.sb.InodesFree, t.ifreeDelta)
	v.sb.DataFree = addDelta(v.sb.DataFree, t.fdblocksDelta)
	v.sbDirty = true

	t.release()
	t.state = transCommitted
	logrus.Tracef("xfs: committed %s transaction (%d bufs, %d inodes)", t.kind, len(t.bufs), len(t.inodes))
	return nil
}

// Cancel discards all changes: buffers are dropped from the cache, joined
// inodes are restored to their pre-join state, and inodes created inside
// the transaction are evicted. abort additionally shuts the mount down.
func (t *Trans) Cancel(abort bool) {
	v := t.vol
	if t.state == transCommitted || t.state == transCanceled {
		return
	}

	for _, b := range t.bufs {
		b.dirty = false
		v.bc.drop(b)
	}
	for _, ti := range t.inodes {
		if ti.created {
			delete(v.inodes, ti.ip.Ino)
			ti.ip.freeOnRelease = true
			continue
		}
		restoreInode(ti.ip, ti.prev)
	}

	t.release()
	t.state = transCanceled
	if abort {
		v.forceShutdown(fmt.Errorf("%s transaction aborted", t.kind))
	}
}

// release drops the transaction-held inode references, balancing join.
func (t *Trans) release() {
	for _, ti := range t.inodes {
		if !ti.hold {
			t.vol.iput(ti.ip)
		}
	}
}

// flushInode encodes an inode into its containing block and writes it.
func (v *Volume) flushInode(ip *Inode) error {
	daddr, blen, offset := v.inoPosition(ip.Ino)
	blk, err := v.bc.read(daddr, blen)
	if err != nil {
		return err
	}
	copy(blk.Data[offset:], ip.encode())
	if err := v.bc.write(blk); err != nil {
		return err
	}
	ip.dirty = false
	return nil
}

func addDelta(val uint64, delta int64) uint64 {
	if delta < 0 && uint64(-delta) > val {
		return 0
	}
	return uint64(int64(val) + delta)
}
