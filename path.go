package xfs

import (
	"strings"
)

// LookupPath resolves a slash-separated path to an inode handle, starting at
// the root. Symbolic links are not followed; that is the caller's business.
// The returned handle must be released.
func (v *Volume) LookupPath(path string) (*Inode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lookupPath(path)
}

func (v *Volume) lookupPath(path string) (*Inode, error) {
	cur, err := v.iget(v.sb.RootInode)
	if err != nil {
		return nil, err
	}

	for len(path) > 0 {
		pos := strings.IndexByte(path, '/')
		var name string
		if pos == -1 {
			name, path = path, ""
		} else {
			name, path = path[:pos], path[pos+1:]
		}
		if name == "" {
			continue
		}
		if len(name) > MaxNameLen {
			v.iput(cur)
			return nil, ErrNameTooLong
		}

		if !cur.IsDir() {
			v.iput(cur)
			return nil, ErrNotDir
		}
		ino, err := v.lookupName(cur, name)
		if err != nil {
			v.iput(cur)
			return nil, err
		}

		// done with the current inode: make it available
		v.iput(cur)

		cur, err = v.iget(ino)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// splitPath divides a path into its parent directory and final component.
func splitPath(path string) (parent, name string) {
	path = strings.TrimRight(path, "/")
	pos := strings.LastIndexByte(path, '/')
	if pos == -1 {
		return "", path
	}
	return path[:pos], path[pos+1:]
}

// lookupParent resolves the parent directory of a path and returns it along
// with the final name component. The returned handle must be released.
func (v *Volume) lookupParent(path string) (*Inode, string, error) {
	parent, name := splitPath(path)
	if name == "" {
		return nil, "", ErrInvalid
	}
	if len(name) > MaxNameLen {
		return nil, "", ErrNameTooLong
	}
	dp, err := v.lookupPath(parent)
	if err != nil {
		return nil, "", err
	}
	if !dp.IsDir() {
		v.iput(dp)
		return nil, "", ErrNotDir
	}
	return dp, name, nil
}
