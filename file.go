package xfs

import (
	"io"
	"io/fs"
	"path"
	"time"
)

// File is a convenience object allowing using an inode as if it was a regular file
type File struct {
	*io.SectionReader
	ino  *Inode
	name string
}

// FileDir is a convenience object allowing using a dir inode as if it was a regular file
type FileDir struct {
	ino    *Inode
	name   string
	buf    []fs.DirEntry
	filled bool
}

type fileinfo struct {
	ino  *Inode
	name string
}

// direntry adapts one directory entry to fs.DirEntry.
type direntry struct {
	vol   *Volume
	name  string
	ftype uint8
	ino   uint64
}

// Ensure File respects fs.File & others
var _ fs.File = (*File)(nil)
var _ io.ReaderAt = (*File)(nil)

var _ fs.ReadDirFile = (*FileDir)(nil)

var _ fs.FileInfo = (*fileinfo)(nil)

var _ fs.FS = (*Volume)(nil)
var _ fs.ReadDirFS = (*Volume)(nil)
var _ fs.StatFS = (*Volume)(nil)

// Open opens a file relative to the volume root, implementing fs.FS. The
// inode reference is held until Close.
func (v *Volume) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	p := name
	if p == "." {
		p = ""
	}
	ino, err := v.LookupPath(p)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return ino.OpenFile(name), nil
}

// OpenFile returns a fs.File for a given inode, consuming the caller's
// reference. If the inode is a directory the result implements
// fs.ReadDirFile; a regular file also implements io.Seeker and io.ReaderAt.
func (ino *Inode) OpenFile(name string) fs.File {
	if ino.IsDir() {
		return &FileDir{ino: ino, name: name}
	}
	sec := io.NewSectionReader(ino, 0, ino.Core.Size)
	return &File{SectionReader: sec, ino: ino, name: name}
}

// ReadDir implements fs.ReadDirFS.
func (v *Volume) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := v.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d, ok := f.(*FileDir)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDir}
	}
	return d.ReadDir(-1)
}

// Stat implements fs.StatFS.
func (v *Volume) Stat(name string) (fs.FileInfo, error) {
	f, err := v.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

// ReadFile reads a whole file's contents.
func (v *Volume) ReadFile(name string) ([]byte, error) {
	f, err := v.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	_, err = io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf, nil
}

// (File)

// Stat returns the details of the open file
func (f *File) Stat() (fs.FileInfo, error) {
	return &fileinfo{name: path.Base(f.name), ino: f.ino}, nil
}

// Sys returns the *Inode object for this file
func (f *File) Sys() any {
	return f.ino
}

// Close releases the file's inode reference.
func (f *File) Close() error {
	f.ino.vol.Release(f.ino)
	return nil
}

// (FileDir)

// Read on a directory is invalid and will always fail
func (d *FileDir) Read(p []byte) (int, error) {
	return 0, fs.ErrInvalid
}

// Stat returns details on the file
func (d *FileDir) Stat() (fs.FileInfo, error) {
	return &fileinfo{name: path.Base(d.name), ino: d.ino}, nil
}

// Sys returns the *Inode object for this file, similar to calling Stat().Sys()
func (d *FileDir) Sys() any {
	return d.ino
}

// Close releases the directory's inode reference.
func (d *FileDir) Close() error {
	d.ino.vol.Release(d.ino)
	return nil
}

func (d *FileDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.filled {
		v := d.ino.vol
		_, err := v.Readdir(d.ino, 0, func(de DirEntry) bool {
			if de.Name == "." || de.Name == ".." {
				return true
			}
			d.buf = append(d.buf, &direntry{vol: v, name: de.Name, ftype: de.FType, ino: de.Ino})
			return true
		})
		if err != nil {
			return nil, err
		}
		d.filled = true
	}

	if n <= 0 {
		res := d.buf
		d.buf = nil
		return res, nil
	}
	if len(d.buf) == 0 {
		return nil, io.EOF
	}
	if n > len(d.buf) {
		n = len(d.buf)
	}
	res := d.buf[:n]
	d.buf = d.buf[n:]
	return res, nil
}

// (fileinfo)

// Name returns the file's base name
func (fi *fileinfo) Name() string {
	return fi.name
}

// Size returns the file's size
func (fi *fileinfo) Size() int64 {
	return fi.ino.Core.Size
}

// Mode returns the file's mode
func (fi *fileinfo) Mode() fs.FileMode {
	return fi.ino.Mode()
}

// ModTime returns the file's latest modified time.
func (fi *fileinfo) ModTime() time.Time {
	return fi.ino.MTime()
}

// IsDir returns true if this is a directory
func (fi *fileinfo) IsDir() bool {
	return fi.ino.IsDir()
}

// Sys returns the *Inode object matching this file
func (fi *fileinfo) Sys() any {
	return fi.ino
}

// (direntry)

func (de *direntry) Name() string {
	return de.name
}

func (de *direntry) IsDir() bool {
	if de.ftype != FTypeUnknown {
		return de.ftype == FTypeDirectory
	}
	// without the ftype feature the inode has to be consulted
	info, err := de.Info()
	if err != nil {
		return false
	}
	return info.IsDir()
}

func (de *direntry) Type() fs.FileMode {
	return UnixToMode(ftypeToMode(de.ftype)) & fs.ModeType
}

func (de *direntry) Info() (fs.FileInfo, error) {
	found, err := de.vol.GetInode(de.ino)
	if err != nil {
		return nil, err
	}
	defer de.vol.Release(found)
	return &fileinfo{name: de.name, ino: found}, nil
}
