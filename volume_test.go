package xfs

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDevice is an in-memory block device backing the end-to-end tests.
type memDevice struct {
	data []byte
}

func newMemDevice(size int64) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(d.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(d.data[off:], p), nil
}

func (d *memDevice) hash() [32]byte {
	return sha256.Sum256(d.data)
}

const testImageSize = 32 << 20

func mkTestVolume(t *testing.T, opts MkfsOptions) (*memDevice, *Volume) {
	t.Helper()
	dev := newMemDevice(testImageSize)
	require.NoError(t, Mkfs(dev, testImageSize, opts))
	vol, err := MountDevice(dev, ReadWrite())
	require.NoError(t, err)
	return dev, vol
}

func rootOf(t *testing.T, vol *Volume) *Inode {
	t.Helper()
	root, err := vol.LookupPath("/")
	require.NoError(t, err)
	return root
}

func readdirNames(t *testing.T, vol *Volume, dp *Inode) []string {
	t.Helper()
	var names []string
	_, err := vol.Readdir(dp, 0, func(de DirEntry) bool {
		names = append(names, de.Name)
		return true
	})
	require.NoError(t, err)
	return names
}

func TestMkfsMountFreshImage(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	sb := vol.Super()
	assert.False(t, sb.HasCRC())
	assert.True(t, sb.HasFtype())
	assert.NotZero(t, sb.RootInode)

	root := rootOf(t, vol)
	defer vol.Release(root)
	assert.True(t, root.IsDir())
	assert.Equal(t, uint32(2), root.Core.Nlink)
	assert.Equal(t, []string{".", ".."}, readdirNames(t, vol, root))

	st := vol.Statfs()
	assert.Equal(t, uint32(4096), st.BlockSize)
	assert.Equal(t, uint64(testImageSize/4096), st.Blocks)
	assert.NotZero(t, st.BFree)
	assert.Equal(t, uint64(InodesPerChunk-3), st.FFree)
	assert.Equal(t, uint32(MaxNameLen), st.NameLen)
}

func TestCreateWriteReadRemount(t *testing.T) {
	dev, vol := mkTestVolume(t, MkfsOptions{})

	root := rootOf(t, vol)
	ip, err := vol.Create(root, "a", 0644, 0)
	require.NoError(t, err)

	n, err := ip.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), ip.Core.Size)

	buf := make([]byte, 3)
	n, err = ip.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(buf))

	assert.Contains(t, readdirNames(t, vol, root), "a")

	vol.Release(ip)
	vol.Release(root)
	require.NoError(t, vol.Unmount())

	// remount read-only and read it back
	vol2, err := MountDevice(dev)
	require.NoError(t, err)
	defer vol2.Unmount()

	data, err := vol2.ReadFile("a")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	info, err := vol2.Stat("a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())
}

func TestLargeWriteAndSparseRead(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	ip, err := vol.Create(root, "big", 0644, 0)
	require.NoError(t, err)
	defer vol.Release(ip)

	// over 16 blocks forces multiple write transactions
	payload := bytes.Repeat([]byte("0123456789abcdef"), 100*1024/16)
	n, err := ip.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = ip.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)

	// a write far past EOF allocates only the blocks it touches
	before := ip.Core.NBlocks
	_, err = ip.WriteAt([]byte("tail"), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, before+1, ip.Core.NBlocks)
	assert.Equal(t, int64(1<<20)+4, ip.Core.Size)

	// the hole in between reads back as zeroes
	hole := make([]byte, 4096)
	_, err = ip.ReadAt(hole, 512<<10)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), hole)
}

func TestMkdirRmdirSemantics(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	dp, err := vol.Mkdir(root, "d", 0755)
	require.NoError(t, err)
	defer vol.Release(dp)

	assert.Equal(t, uint32(2), dp.Core.Nlink)
	assert.Equal(t, uint32(3), root.Core.Nlink)

	ip, err := vol.Create(dp, "x", 0600, 0)
	require.NoError(t, err)
	vol.Release(ip)

	// not empty: rmdir must refuse even though nlink is still 2
	assert.ErrorIs(t, vol.Rmdir(root, "d"), ErrNotEmpty)

	require.NoError(t, vol.Unlink(dp, "x"))
	require.NoError(t, vol.Rmdir(root, "d"))

	assert.Equal(t, uint32(2), root.Core.Nlink)
	assert.NotContains(t, readdirNames(t, vol, root), "d")
	_, err = vol.LookupPath("/d")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestLinkSemantics(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	old, err := vol.Create(root, "old", 0644, 0)
	require.NoError(t, err)
	_, err = old.WriteAt([]byte("payload"), 0)
	require.NoError(t, err)

	require.NoError(t, vol.Link(old, root, "new"))
	assert.Equal(t, uint32(2), old.Core.Nlink)

	ino, err := vol.LookupPath("/new")
	require.NoError(t, err)
	assert.Equal(t, old.Ino, ino.Ino)
	vol.Release(ino)

	require.NoError(t, vol.Unlink(root, "old"))
	assert.Equal(t, uint32(1), old.Core.Nlink)

	data, err := vol.ReadFile("new")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// directories cannot be linked
	dp, err := vol.Mkdir(root, "d", 0755)
	require.NoError(t, err)
	defer vol.Release(dp)
	assert.ErrorIs(t, vol.Link(dp, root, "dlink"), ErrIsDir)

	vol.Release(old)
}

func TestSymlinkShortAndLong(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	lnk, err := vol.Symlink(root, "lnk", "../target")
	require.NoError(t, err)
	assert.Equal(t, uint8(InodeFormatLocal), lnk.Core.Format)
	got, err := lnk.Readlink()
	require.NoError(t, err)
	assert.Equal(t, "../target", string(got))
	vol.Release(lnk)

	// a target beyond the inode's fork capacity moves to extents
	long := "../" + string(bytes.Repeat([]byte("x"), 500))
	lnk2, err := vol.Symlink(root, "lnk2", long)
	require.NoError(t, err)
	assert.Equal(t, uint8(InodeFormatExtents), lnk2.Core.Format)
	got, err = lnk2.Readlink()
	require.NoError(t, err)
	assert.Equal(t, long, string(got))
	assert.Equal(t, int64(len(long)), lnk2.Core.Size)
	vol.Release(lnk2)
}

func TestTruncate(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	ip, err := vol.Create(root, "f", 0644, 0)
	require.NoError(t, err)
	defer vol.Release(ip)

	payload := bytes.Repeat([]byte("z"), 3*4096)
	_, err = ip.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), ip.Core.NBlocks)

	freeBefore := vol.Statfs().BFree

	// shrink to one and a half blocks
	require.NoError(t, vol.Truncate(ip, 6000))
	assert.Equal(t, int64(6000), ip.Core.Size)
	assert.Equal(t, uint64(2), ip.Core.NBlocks)

	// to zero releases everything
	require.NoError(t, vol.Truncate(ip, 0))
	assert.Equal(t, int64(0), ip.Core.Size)
	assert.Equal(t, uint64(0), ip.Core.NBlocks)
	assert.Equal(t, freeBefore+3, vol.Statfs().BFree)

	// growing leaves a hole
	require.NoError(t, vol.Truncate(ip, 8192))
	assert.Equal(t, uint64(0), ip.Core.NBlocks)
	zeros := make([]byte, 100)
	_, err = ip.ReadAt(zeros, 4000)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 100), zeros)

	// only regular files can be truncated
	assert.ErrorIs(t, vol.Truncate(root, 0), ErrInvalid)
}

func TestRename(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	ip, err := vol.Create(root, "src", 0644, 0)
	require.NoError(t, err)
	srcIno := ip.Ino
	_, err = ip.WriteAt([]byte("content"), 0)
	require.NoError(t, err)
	vol.Release(ip)

	// plain rename within one directory
	require.NoError(t, vol.Rename(root, "src", root, "dst"))
	names := readdirNames(t, vol, root)
	assert.NotContains(t, names, "src")
	assert.Contains(t, names, "dst")

	got, err := vol.LookupPath("/dst")
	require.NoError(t, err)
	assert.Equal(t, srcIno, got.Ino)
	vol.Release(got)

	// rename over an existing file drops the target
	victim, err := vol.Create(root, "victim", 0644, 0)
	require.NoError(t, err)
	victimIno := victim.Ino
	vol.Release(victim)

	require.NoError(t, vol.Rename(root, "dst", root, "victim"))
	got, err = vol.LookupPath("/victim")
	require.NoError(t, err)
	assert.Equal(t, srcIno, got.Ino)
	assert.NotEqual(t, victimIno, got.Ino)
	vol.Release(got)

	data, err := vol.ReadFile("victim")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestRenameDirectoryAcrossParents(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	d1, err := vol.Mkdir(root, "d1", 0755)
	require.NoError(t, err)
	defer vol.Release(d1)
	d2, err := vol.Mkdir(root, "d2", 0755)
	require.NoError(t, err)
	defer vol.Release(d2)

	sub, err := vol.Mkdir(d1, "sub", 0755)
	require.NoError(t, err)
	defer vol.Release(sub)

	require.Equal(t, uint32(3), d1.Core.Nlink)
	require.Equal(t, uint32(2), d2.Core.Nlink)

	require.NoError(t, vol.Rename(d1, "sub", d2, "sub"))

	assert.Equal(t, uint32(2), d1.Core.Nlink)
	assert.Equal(t, uint32(3), d2.Core.Nlink)

	// ".." inside the moved directory follows it
	vol.mu.Lock()
	parent, err := vol.dirParent(sub)
	vol.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, d2.Ino, parent)

	// renaming a directory over a non-empty directory fails
	d3, err := vol.Mkdir(root, "d3", 0755)
	require.NoError(t, err)
	defer vol.Release(d3)
	inner, err := vol.Create(d3, "inner", 0644, 0)
	require.NoError(t, err)
	vol.Release(inner)

	err = vol.Rename(d2, "sub", root, "d3")
	assert.ErrorIs(t, err, ErrNotEmpty)

	// over an empty directory it succeeds
	require.NoError(t, vol.Unlink(d3, "inner"))
	require.NoError(t, vol.Rename(d2, "sub", root, "d3"))
	assert.Equal(t, uint32(2), d2.Core.Nlink)
	// root holds d1, d2 and the moved directory now at "d3"
	assert.Equal(t, uint32(5), root.Core.Nlink)
}

func TestDirectoryPromotionAndDemotion(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	dp, err := vol.Mkdir(root, "many", 0755)
	require.NoError(t, err)
	defer vol.Release(dp)

	freeBefore := vol.Statfs().BFree

	const count = 150
	name := func(i int) string { return fmt.Sprintf("file-%03d", i) }

	sawBlock := false
	for i := 0; i < count; i++ {
		ip, err := vol.Create(dp, name(i), 0644, 0)
		require.NoError(t, err, "create %d", i)
		vol.Release(ip)
		if dp.Core.Format == InodeFormatExtents && dp.Core.NBlocks == vol.dirBlkFsbs() {
			sawBlock = true
		}
	}

	// the directory ended up in leaf form (data block plus leaf block),
	// having passed through block form
	assert.True(t, sawBlock)
	assert.Equal(t, uint8(InodeFormatExtents), dp.Core.Format)
	assert.Greater(t, dp.Core.NBlocks, vol.dirBlkFsbs())

	// every entry is reachable by lookup and by readdir
	names := readdirNames(t, vol, dp)
	assert.Len(t, names, count+2)
	for i := 0; i < count; i++ {
		ino, err := vol.LookupPath("/many/" + name(i))
		require.NoError(t, err, "lookup %d", i)
		vol.Release(ino)
	}

	// shrink back down: the directory demotes to short form and returns
	// every data block it held
	for i := 0; i < count; i++ {
		require.NoError(t, vol.Unlink(dp, name(i)), "unlink %d", i)
	}
	assert.Equal(t, uint8(InodeFormatLocal), dp.Core.Format)
	assert.Equal(t, []string{".", ".."}, readdirNames(t, vol, dp))
	assert.Equal(t, uint64(0), dp.Core.NBlocks)

	// two extra inode chunks were carved out along the way; everything else
	// came back
	chunks := uint64(2 * vol.chunkBlocks())
	assert.Equal(t, freeBefore-chunks, vol.Statfs().BFree)
}

func TestInodeChunkGrowth(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	st := vol.Statfs()
	require.Equal(t, uint64(InodesPerChunk-3), st.FFree)

	// exhaust the initial chunk and force a second one
	for i := 0; i < InodesPerChunk; i++ {
		ip, err := vol.Create(root, fmt.Sprintf("f%02d", i), 0644, 0)
		require.NoError(t, err)
		vol.Release(ip)
	}
	st = vol.Statfs()
	assert.Equal(t, uint64(2*InodesPerChunk-3-InodesPerChunk), st.FFree)

	sb := vol.Super()
	assert.Equal(t, uint64(2*InodesPerChunk), sb.InodesAllocated)
}

func TestSetattr(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	ip, err := vol.Create(root, "f", 0755, 0)
	require.NoError(t, err)
	defer vol.Release(ip)

	require.NoError(t, vol.SetMode(ip, 04644))
	assert.Equal(t, uint16(S_IFREG|04644), ip.Core.Mode)

	// owner change clears setuid/setgid
	require.NoError(t, vol.SetOwner(ip, 1000, 1000))
	assert.Equal(t, uint32(1000), ip.Core.UID)
	assert.Equal(t, uint32(1000), ip.Core.GID)
	assert.Equal(t, uint16(S_IFREG|0644), ip.Core.Mode)

	when := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, vol.SetTimes(ip, &when, &when))
	assert.Equal(t, when.Unix(), ip.ATime().Unix())
	assert.Equal(t, when.Unix(), ip.MTime().Unix())
	assert.True(t, ip.CTime().After(when))
}

func TestDeviceNodes(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	ip, err := vol.Create(root, "tty", S_IFCHR|0600, 0x0501)
	require.NoError(t, err)
	assert.Equal(t, uint8(InodeFormatDev), ip.Core.Format)
	assert.Equal(t, uint32(0x0501), ip.Rdev)
	ino := ip.Ino
	vol.Release(ip)

	got, err := vol.GetInode(ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0501), got.Rdev)
	vol.Release(got)
}

func TestReadOnlyMountRejectsMutations(t *testing.T) {
	dev := newMemDevice(testImageSize)
	require.NoError(t, Mkfs(dev, testImageSize, MkfsOptions{}))

	vol, err := MountDevice(dev)
	require.NoError(t, err)
	require.True(t, vol.ReadOnly())

	before := dev.hash()

	root := rootOf(t, vol)
	defer vol.Release(root)

	_, err = vol.Create(root, "x", 0644, 0)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = vol.Mkdir(root, "d", 0755)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, vol.Unlink(root, "x"), ErrReadOnly)
	assert.ErrorIs(t, vol.Rmdir(root, "x"), ErrReadOnly)
	assert.ErrorIs(t, vol.Rename(root, "a", root, "b"), ErrReadOnly)
	_, err = vol.Symlink(root, "l", "t")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, vol.SetMode(root, 0700), ErrReadOnly)
	assert.ErrorIs(t, vol.Truncate(root, 0), ErrReadOnly)
	assert.ErrorIs(t, vol.Link(root, root, "l2"), ErrReadOnly)

	require.NoError(t, vol.Unmount())
	assert.Equal(t, before, dev.hash(), "read-only mount must leave the image untouched")
}

func TestRefcountBalance(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)
	require.Equal(t, uint64(1), root.RefCount())

	ip, err := vol.Create(root, "f", 0644, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), root.RefCount())
	assert.Equal(t, uint64(1), ip.RefCount())

	_, err = ip.WriteAt([]byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ip.RefCount())
	vol.Release(ip)

	require.NoError(t, vol.Unlink(root, "f"))
	assert.Equal(t, uint64(1), root.RefCount())

	// failed operations must not leak references either
	_, err = vol.Create(root, "f/", 0644, 0)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), root.RefCount())
	assert.ErrorIs(t, vol.Unlink(root, "missing"), ErrNotExist)
	assert.Equal(t, uint64(1), root.RefCount())
}

func TestRemountPresentsIdenticalTree(t *testing.T) {
	dev, vol := mkTestVolume(t, MkfsOptions{})

	root := rootOf(t, vol)
	dp, err := vol.Mkdir(root, "dir", 0750)
	require.NoError(t, err)
	f, err := vol.Create(dp, "file", 0640, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello xfs\n"), 0)
	require.NoError(t, err)
	lnk, err := vol.Symlink(dp, "lnk", "file")
	require.NoError(t, err)

	type snap struct {
		ino   uint64
		size  int64
		mode  uint16
		nlink uint32
	}
	want := map[string]snap{
		"dir":      {dp.Ino, dp.Core.Size, dp.Core.Mode, dp.Core.Nlink},
		"dir/file": {f.Ino, f.Core.Size, f.Core.Mode, f.Core.Nlink},
		"dir/lnk":  {lnk.Ino, lnk.Core.Size, lnk.Core.Mode, lnk.Core.Nlink},
	}

	vol.Release(lnk)
	vol.Release(f)
	vol.Release(dp)
	vol.Release(root)
	require.NoError(t, vol.Unmount())

	vol2, err := MountDevice(dev)
	require.NoError(t, err)
	defer vol2.Unmount()

	for path, w := range want {
		ip, err := vol2.LookupPath(path)
		require.NoError(t, err, path)
		assert.Equal(t, w.ino, ip.Ino, path)
		assert.Equal(t, w.size, ip.Core.Size, path)
		assert.Equal(t, w.mode, ip.Core.Mode, path)
		assert.Equal(t, w.nlink, ip.Core.Nlink, path)
		vol2.Release(ip)
	}

	data, err := vol2.ReadFile("dir/file")
	require.NoError(t, err)
	assert.Equal(t, "hello xfs\n", string(data))

	ip, err := vol2.LookupPath("dir/lnk")
	require.NoError(t, err)
	target, err := ip.Readlink()
	require.NoError(t, err)
	assert.Equal(t, "file", string(target))
	vol2.Release(ip)
}

func TestV5EndToEnd(t *testing.T) {
	dev, vol := mkTestVolume(t, MkfsOptions{V5: true})

	sb := vol.Super()
	require.True(t, sb.HasCRC())
	require.True(t, sb.HasFtype())

	root := rootOf(t, vol)
	assert.Equal(t, uint8(InodeVersion3), root.Core.Version)

	// enough files to promote the root directory into block form, all
	// under CRC-carrying headers
	for i := 0; i < 80; i++ {
		ip, err := vol.Create(root, fmt.Sprintf("entry-%02d", i), 0644, 0)
		require.NoError(t, err)
		vol.Release(ip)
	}

	f, err := vol.Create(root, "data", 0644, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("checked"), 0)
	require.NoError(t, err)

	// the on-disk inode record must carry a valid checksum after commit
	daddr, _, offset := vol.inoPosition(f.Ino)
	rec := make([]byte, sb.InodeSize)
	_, err = dev.ReadAt(rec, daddr<<BBShift+int64(offset))
	require.NoError(t, err)
	assert.True(t, VerifyCksum(rec, InodeCRCOffset))

	vol.Release(f)
	vol.Release(root)
	require.NoError(t, vol.Unmount())

	// remount: every lookup re-verifies directory block and inode CRCs
	vol2, err := MountDevice(dev)
	require.NoError(t, err)
	defer vol2.Unmount()

	for i := 0; i < 80; i++ {
		ip, err := vol2.LookupPath(fmt.Sprintf("entry-%02d", i))
		require.NoError(t, err)
		vol2.Release(ip)
	}
	data, err := vol2.ReadFile("data")
	require.NoError(t, err)
	assert.Equal(t, "checked", string(data))
}

func TestMountRejectsGarbage(t *testing.T) {
	dev := newMemDevice(1 << 20)
	_, err := MountDevice(dev)
	assert.ErrorIs(t, err, ErrInvalidFile)

	// a corrupted V5 superblock checksum must be caught
	img := newMemDevice(testImageSize)
	require.NoError(t, Mkfs(img, testImageSize, MkfsOptions{V5: true}))
	img.data[32] ^= 0xFF // inside the UUID, invisible to field validation
	_, err = MountDevice(img)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFsFSView(t *testing.T) {
	_, vol := mkTestVolume(t, MkfsOptions{})
	defer vol.Unmount()

	root := rootOf(t, vol)
	defer vol.Release(root)

	dp, err := vol.Mkdir(root, "docs", 0755)
	require.NoError(t, err)
	f, err := vol.Create(dp, "readme", 0644, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("read me"), 0)
	require.NoError(t, err)
	vol.Release(f)
	vol.Release(dp)

	entries, err := vol.ReadDir("docs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "readme", entries[0].Name())
	assert.False(t, entries[0].IsDir())

	data, err := vol.ReadFile("docs/readme")
	require.NoError(t, err)
	assert.Equal(t, "read me", string(data))

	info, err := vol.Stat("docs")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
