package xfs

import (
	"context"
	"errors"
	"io"
	"syscall"
	"time"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// The FUSE adapter is a thin shim: it resolves kernel node ids to inode
// handles, calls into the volume engine, and maps sentinel errors to errnos.
// All serialization happens inside the Volume.

// toErrno maps the engine's error taxonomy onto POSIX errnos.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, ErrNotDir):
		return unix.ENOTDIR
	case errors.Is(err, ErrIsDir):
		return unix.EISDIR
	case errors.Is(err, ErrExist):
		return unix.EEXIST
	case errors.Is(err, ErrNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, ErrReadOnly):
		return unix.EROFS
	case errors.Is(err, ErrNoSpace):
		return unix.ENOSPC
	case errors.Is(err, ErrTooManyLinks):
		return unix.EMLINK
	case errors.Is(err, ErrNameTooLong):
		return unix.ENAMETOOLONG
	case errors.Is(err, ErrInvalid):
		return unix.EINVAL
	case errors.Is(err, ErrNotSupported):
		return unix.ENOTSUP
	default:
		// corruption, I/O failures and a shut down mount all surface as EIO
		return unix.EIO
	}
}

// fuseNode is one kernel-visible node. It stores only the inode number;
// handles are taken per operation and released on every exit path.
type fuseNode struct {
	fusefs.Inode
	vol *Volume
	ino uint64
}

var _ = (fusefs.NodeGetattrer)((*fuseNode)(nil))
var _ = (fusefs.NodeLookuper)((*fuseNode)(nil))
var _ = (fusefs.NodeReaddirer)((*fuseNode)(nil))
var _ = (fusefs.NodeOpener)((*fuseNode)(nil))
var _ = (fusefs.NodeReader)((*fuseNode)(nil))
var _ = (fusefs.NodeWriter)((*fuseNode)(nil))
var _ = (fusefs.NodeCreater)((*fuseNode)(nil))
var _ = (fusefs.NodeMknoder)((*fuseNode)(nil))
var _ = (fusefs.NodeMkdirer)((*fuseNode)(nil))
var _ = (fusefs.NodeUnlinker)((*fuseNode)(nil))
var _ = (fusefs.NodeRmdirer)((*fuseNode)(nil))
var _ = (fusefs.NodeRenamer)((*fuseNode)(nil))
var _ = (fusefs.NodeLinker)((*fuseNode)(nil))
var _ = (fusefs.NodeSymlinker)((*fuseNode)(nil))
var _ = (fusefs.NodeReadlinker)((*fuseNode)(nil))
var _ = (fusefs.NodeSetattrer)((*fuseNode)(nil))
var _ = (fusefs.NodeStatfser)((*fuseNode)(nil))
var _ = (fusefs.NodeFsyncer)((*fuseNode)(nil))
var _ = (fusefs.NodeGetxattrer)((*fuseNode)(nil))
var _ = (fusefs.NodeSetxattrer)((*fuseNode)(nil))
var _ = (fusefs.NodeRemovexattrer)((*fuseNode)(nil))
var _ = (fusefs.NodeListxattrer)((*fuseNode)(nil))

// get takes a handle for this node's inode.
func (n *fuseNode) get() (*Inode, syscall.Errno) {
	ip, err := n.vol.GetInode(n.ino)
	if err != nil {
		return nil, toErrno(err)
	}
	return ip, 0
}

// fillAttr populates a fuse attr from the inode core.
func fillAttr(ip *Inode, attr *fuse.Attr) {
	attr.Ino = ip.Ino
	attr.Size = uint64(ip.Core.Size)
	attr.Blocks = ip.Core.NBlocks << (ip.vol.sb.BlockSizeLog - BBShift)
	attr.Blksize = ip.vol.sb.BlockSize
	attr.Mode = uint32(ip.Core.Mode)
	attr.Nlink = ip.Core.Nlink
	attr.Owner.Uid = ip.Core.UID
	attr.Owner.Gid = ip.Core.GID
	attr.Rdev = ip.Rdev

	at, mt, ct := ip.ATime(), ip.MTime(), ip.CTime()
	attr.Atime = uint64(at.Unix())
	attr.Atimensec = uint32(at.Nanosecond())
	attr.Mtime = uint64(mt.Unix())
	attr.Mtimensec = uint32(mt.Nanosecond())
	attr.Ctime = uint64(ct.Unix())
	attr.Ctimensec = uint32(ct.Nanosecond())
}

// child wraps an inode as a kernel node below n.
func (n *fuseNode) child(ctx context.Context, ip *Inode, out *fuse.EntryOut) *fusefs.Inode {
	fillAttr(ip, &out.Attr)
	out.SetEntryTimeout(time.Second)
	out.SetAttrTimeout(time.Second)
	return n.NewInode(ctx, &fuseNode{vol: n.vol, ino: ip.Ino}, fusefs.StableAttr{
		Mode: uint32(ip.Core.Mode),
		Ino:  ip.Ino,
	})
}

func (n *fuseNode) Getattr(ctx context.Context, f fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	ip, errno := n.get()
	if errno != 0 {
		return errno
	}
	defer n.vol.Release(ip)
	fillAttr(ip, &out.Attr)
	out.SetTimeout(time.Second)
	return 0
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	dp, errno := n.get()
	if errno != 0 {
		return nil, errno
	}
	defer n.vol.Release(dp)

	n.vol.mu.Lock()
	ino, err := n.vol.lookupName(dp, name)
	n.vol.mu.Unlock()
	if err != nil {
		return nil, toErrno(err)
	}
	ip, err := n.vol.GetInode(ino)
	if err != nil {
		return nil, toErrno(err)
	}
	defer n.vol.Release(ip)
	return n.child(ctx, ip, out), 0
}

func (n *fuseNode) Readdir(ctx context.Context) (fusefs.DirStream, syscall.Errno) {
	dp, errno := n.get()
	if errno != 0 {
		return nil, errno
	}
	defer n.vol.Release(dp)

	var list []fuse.DirEntry
	_, err := n.vol.Readdir(dp, 0, func(de DirEntry) bool {
		list = append(list, fuse.DirEntry{
			Mode: ftypeToMode(de.FType),
			Name: de.Name,
			Ino:  de.Ino,
		})
		return true
	})
	if err != nil {
		return nil, toErrno(err)
	}
	return fusefs.NewListDirStream(list), 0
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (fusefs.FileHandle, uint32, syscall.Errno) {
	if n.vol.ReadOnly() && flags&(uint32(unix.O_WRONLY)|uint32(unix.O_RDWR)) != 0 {
		return nil, 0, unix.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *fuseNode) Read(ctx context.Context, f fusefs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	ip, errno := n.get()
	if errno != 0 {
		return nil, errno
	}
	defer n.vol.Release(ip)

	got, err := ip.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:got]), 0
}

func (n *fuseNode) Write(ctx context.Context, f fusefs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	ip, errno := n.get()
	if errno != 0 {
		return 0, errno
	}
	defer n.vol.Release(ip)

	got, err := ip.WriteAt(data, off)
	if err != nil && got == 0 {
		return 0, toErrno(err)
	}
	return uint32(got), 0
}

func (n *fuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, fusefs.FileHandle, uint32, syscall.Errno) {
	dp, errno := n.get()
	if errno != 0 {
		return nil, nil, 0, errno
	}
	defer n.vol.Release(dp)

	ip, err := n.vol.Create(dp, name, mode, 0)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	defer n.vol.Release(ip)
	return n.child(ctx, ip, out), nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *fuseNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	dp, errno := n.get()
	if errno != 0 {
		return nil, errno
	}
	defer n.vol.Release(dp)

	ip, err := n.vol.Create(dp, name, mode, dev)
	if err != nil {
		return nil, toErrno(err)
	}
	defer n.vol.Release(ip)
	return n.child(ctx, ip, out), 0
}

func (n *fuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	dp, errno := n.get()
	if errno != 0 {
		return nil, errno
	}
	defer n.vol.Release(dp)

	ip, err := n.vol.Mkdir(dp, name, mode)
	if err != nil {
		return nil, toErrno(err)
	}
	defer n.vol.Release(ip)
	return n.child(ctx, ip, out), 0
}

func (n *fuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	dp, errno := n.get()
	if errno != 0 {
		return errno
	}
	defer n.vol.Release(dp)
	return toErrno(n.vol.Unlink(dp, name))
}

func (n *fuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	dp, errno := n.get()
	if errno != 0 {
		return errno
	}
	defer n.vol.Release(dp)
	return toErrno(n.vol.Rmdir(dp, name))
}

func (n *fuseNode) Rename(ctx context.Context, name string, newParent fusefs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*fuseNode)
	if !ok {
		return unix.EXDEV
	}

	sdp, errno := n.get()
	if errno != 0 {
		return errno
	}
	defer n.vol.Release(sdp)

	ddp, errno := np.get()
	if errno != 0 {
		return errno
	}
	defer n.vol.Release(ddp)

	return toErrno(n.vol.Rename(sdp, name, ddp, newName))
}

func (n *fuseNode) Link(ctx context.Context, target fusefs.InodeEmbedder, name string, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	tn, ok := target.(*fuseNode)
	if !ok {
		return nil, unix.EXDEV
	}

	dp, errno := n.get()
	if errno != 0 {
		return nil, errno
	}
	defer n.vol.Release(dp)

	ip, errno := tn.get()
	if errno != 0 {
		return nil, errno
	}
	defer n.vol.Release(ip)

	if err := n.vol.Link(ip, dp, name); err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, ip, out), 0
}

func (n *fuseNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	dp, errno := n.get()
	if errno != 0 {
		return nil, errno
	}
	defer n.vol.Release(dp)

	ip, err := n.vol.Symlink(dp, name, target)
	if err != nil {
		return nil, toErrno(err)
	}
	defer n.vol.Release(ip)
	return n.child(ctx, ip, out), 0
}

func (n *fuseNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	ip, errno := n.get()
	if errno != 0 {
		return nil, errno
	}
	defer n.vol.Release(ip)

	target, err := ip.Readlink()
	if err != nil {
		return nil, toErrno(err)
	}
	return target, 0
}

func (n *fuseNode) Setattr(ctx context.Context, f fusefs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	ip, errno := n.get()
	if errno != 0 {
		return errno
	}
	defer n.vol.Release(ip)

	v := n.vol
	if in.Valid&fuse.FATTR_MODE != 0 {
		if err := v.SetMode(ip, in.Mode); err != nil {
			return toErrno(err)
		}
	}
	if in.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		uid, gid := int64(-1), int64(-1)
		if in.Valid&fuse.FATTR_UID != 0 {
			uid = int64(in.Owner.Uid)
		}
		if in.Valid&fuse.FATTR_GID != 0 {
			gid = int64(in.Owner.Gid)
		}
		if err := v.SetOwner(ip, uid, gid); err != nil {
			return toErrno(err)
		}
	}
	if in.Valid&fuse.FATTR_SIZE != 0 {
		if err := v.Truncate(ip, int64(in.Size)); err != nil {
			return toErrno(err)
		}
	}
	if in.Valid&(fuse.FATTR_ATIME|fuse.FATTR_MTIME) != 0 {
		var atime, mtime *time.Time
		now := time.Now()
		if in.Valid&fuse.FATTR_ATIME != 0 {
			t := now
			if in.Valid&fuse.FATTR_ATIME_NOW == 0 {
				t = time.Unix(int64(in.Atime), int64(in.Atimensec))
			}
			atime = &t
		}
		if in.Valid&fuse.FATTR_MTIME != 0 {
			t := now
			if in.Valid&fuse.FATTR_MTIME_NOW == 0 {
				t = time.Unix(int64(in.Mtime), int64(in.Mtimensec))
			}
			mtime = &t
		}
		if err := v.SetTimes(ip, atime, mtime); err != nil {
			return toErrno(err)
		}
	}

	fillAttr(ip, &out.Attr)
	return 0
}

func (n *fuseNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st := n.vol.Statfs()
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = st.Blocks
	out.Bfree = st.BFree
	out.Bavail = st.BFree
	out.Files = st.Files
	out.Ffree = st.FFree
	out.NameLen = st.NameLen
	return 0
}

func (n *fuseNode) Fsync(ctx context.Context, f fusefs.FileHandle, flags uint32) syscall.Errno {
	ip, errno := n.get()
	if errno != 0 {
		return errno
	}
	defer n.vol.Release(ip)
	return toErrno(n.vol.Fsync(ip))
}

// extended attributes are stubbed: nothing is stored, nothing is accepted

func (n *fuseNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return 0, unix.ENODATA
}

func (n *fuseNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return unix.ENOTSUP
}

func (n *fuseNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return unix.ENODATA
}

func (n *fuseNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return 0, 0
}

// MountFUSE exposes a mounted volume at dir through the kernel. The caller
// should Wait() on the returned server and Unmount the volume afterwards.
func MountFUSE(v *Volume, dir string, debug bool) (*fuse.Server, error) {
	sb := v.Super()
	root := &fuseNode{vol: v, ino: sb.RootInode}

	opts := &fusefs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "xfs",
			Name:   "xfs",
			Debug:  debug,
		},
	}
	second := time.Second
	opts.AttrTimeout = &second
	opts.EntryTimeout = &second

	return fusefs.Mount(dir, root, opts)
}
