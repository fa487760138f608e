package xfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVolume(ftype bool) *Volume {
	sb := validSuper()
	if ftype {
		sb.VersionNum |= VersionMoreBitsBit
		sb.Features2 |= Version2FtypeBit
	}
	return &Volume{sb: sb, inodes: map[uint64]*Inode{}}
}

func TestShortDirRoundTrip(t *testing.T) {
	for _, ftype := range []bool{false, true} {
		v := testVolume(ftype)

		sf := &sfDir{
			Parent: 128,
			Entries: []sfEntry{
				{Name: []byte("hello.txt"), Ino: 131, FType: FTypeRegularFile, Offset: 96},
				{Name: []byte("sub"), Ino: 132, FType: FTypeDirectory, Offset: 120},
			},
		}
		data := v.encodeShortDir(sf)
		assert.Equal(t, v.shortDirSize(sf.Entries, sf.Parent), len(data))

		ip := &Inode{vol: v, Ino: 128}
		ip.Core.Mode = S_IFDIR | 0755
		ip.Core.Format = InodeFormatLocal
		ip.Local = data
		ip.Core.Size = int64(len(data))

		got, err := v.parseShortDir(ip)
		require.NoError(t, err)
		assert.Equal(t, uint64(128), got.Parent)
		require.Len(t, got.Entries, 2)
		assert.Equal(t, "hello.txt", string(got.Entries[0].Name))
		assert.Equal(t, uint64(131), got.Entries[0].Ino)
		assert.Equal(t, "sub", string(got.Entries[1].Name))
		if ftype {
			assert.Equal(t, uint8(FTypeDirectory), got.Entries[1].FType)
		}
	}
}

func TestShortDir64BitInodes(t *testing.T) {
	v := testVolume(false)
	sf := &sfDir{
		Parent:  128,
		Entries: []sfEntry{{Name: []byte("big"), Ino: 1 << 40, Offset: 96}},
	}
	data := v.encodeShortDir(sf)
	// i8count forces 64-bit inumbers throughout
	assert.Equal(t, uint8(1), data[1])

	ip := &Inode{vol: v, Ino: 128}
	ip.Core.Format = InodeFormatLocal
	ip.Local = data
	ip.Core.Size = int64(len(data))

	got, err := v.parseShortDir(ip)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<40, got.Entries[0].Ino)
}

func TestShortDirLookupAndReaddir(t *testing.T) {
	v := testVolume(true)
	sf := &sfDir{
		Parent: 128,
		Entries: []sfEntry{
			{Name: []byte("a"), Ino: 200, FType: FTypeRegularFile, Offset: 96},
			{Name: []byte("b"), Ino: 201, FType: FTypeSymlink, Offset: 112},
		},
	}
	ip := &Inode{vol: v, Ino: 128}
	ip.Core.Mode = S_IFDIR | 0755
	ip.Core.Format = InodeFormatLocal
	ip.Local = v.encodeShortDir(sf)
	ip.Core.Size = int64(len(ip.Local))

	ino, err := v.lookupName(ip, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), ino)

	ino, err = v.lookupName(ip, "..")
	require.NoError(t, err)
	assert.Equal(t, uint64(128), ino)

	_, err = v.lookupName(ip, "nope")
	assert.ErrorIs(t, err, ErrNotExist)

	var names []string
	var inos []uint64
	_, err = v.readdir(ip, 0, func(de DirEntry) bool {
		names = append(names, de.Name)
		inos = append(inos, de.Ino)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "a", "b"}, names)
	assert.Equal(t, []uint64{128, 128, 200, 201}, inos)
}

func TestReaddirCursorResume(t *testing.T) {
	v := testVolume(true)
	sf := &sfDir{
		Parent: 128,
		Entries: []sfEntry{
			{Name: []byte("one"), Ino: 200, FType: FTypeRegularFile, Offset: 96},
			{Name: []byte("two"), Ino: 201, FType: FTypeRegularFile, Offset: 120},
			{Name: []byte("three"), Ino: 202, FType: FTypeRegularFile, Offset: 144},
		},
	}
	ip := &Inode{vol: v, Ino: 128}
	ip.Core.Mode = S_IFDIR | 0755
	ip.Core.Format = InodeFormatLocal
	ip.Local = v.encodeShortDir(sf)
	ip.Core.Size = int64(len(ip.Local))

	// take two entries, then resume from the returned cursor
	var first []string
	cursor, err := v.readdir(ip, 0, func(de DirEntry) bool {
		if len(first) == 2 {
			return false
		}
		first = append(first, de.Name)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{".", ".."}, first)

	var rest []string
	_, err = v.readdir(ip, cursor, func(de DirEntry) bool {
		rest = append(rest, de.Name)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, rest)
}

func TestHashname(t *testing.T) {
	// stable and order-sensitive
	assert.Equal(t, hashname("foo"), hashname("foo"))
	assert.NotEqual(t, hashname("foo"), hashname("oof"))
	assert.NotEqual(t, hashname("a"), hashname("aa"))
	assert.Equal(t, uint32(0), hashname(""))
}

func TestSplitPath(t *testing.T) {
	cases := []struct {
		in, parent, name string
	}{
		{"a", "", "a"},
		{"/a", "", "a"},
		{"/a/b", "/a", "b"},
		{"a/b/c", "a/b", "c"},
		{"/a/b/", "/a", "b"},
	}
	for _, c := range cases {
		parent, name := splitPath(c.in)
		assert.Equal(t, c.parent, parent, c.in)
		assert.Equal(t, c.name, name, c.in)
	}
}
