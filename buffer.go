package xfs

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// BlockDevice is the access the volume engine needs to its backing store.
// *os.File satisfies it; so does any image held in memory by tests.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
}

// Buffer is a cached run of basic blocks. Metadata reads and all writes go
// through buffers; a buffer dirtied inside a transaction stays in memory
// until that transaction commits.
type Buffer struct {
	Daddr  int64 // address in 512-byte basic blocks
	Length int   // bytes
	Data   []byte

	dirty  bool
	crcOff int // checksum slot to refresh before writeback, -1 if none
	used   uint64
}

type bufKey struct {
	daddr int64
	len   int
}

// bufCache maps (device address, length) to buffers. Within one mount the
// same key always returns the same instance, so a transaction's in-memory
// modifications are what every later reader sees.
type bufCache struct {
	dev   BlockDevice
	bufs  map[bufKey]*Buffer
	limit int
	tick  uint64
}

func newBufCache(dev BlockDevice, limit int) *bufCache {
	return &bufCache{
		dev:   dev,
		bufs:  map[bufKey]*Buffer{},
		limit: limit,
	}
}

// read returns the cached buffer for (daddr,length), reading it from the
// device on first use.
func (bc *bufCache) read(daddr int64, length int) (*Buffer, error) {
	k := bufKey{daddr, length}
	if b, ok := bc.bufs[k]; ok {
		bc.tick++
		b.used = bc.tick
		return b, nil
	}

	b := &Buffer{
		Daddr:  daddr,
		Length: length,
		Data:   make([]byte, length),
		crcOff: -1,
	}
	_, err := bc.dev.ReadAt(b.Data, daddr<<BBShift)
	if err != nil {
		return nil, fmt.Errorf("read %d bytes at daddr %d: %w", length, daddr, err)
	}
	bc.insert(k, b)
	return b, nil
}

// get returns a buffer for a range that is about to be fully overwritten,
// skipping the device read. A new buffer is zero-filled; one already cached
// is returned with its current contents.
func (bc *bufCache) get(daddr int64, length int) *Buffer {
	k := bufKey{daddr, length}
	if b, ok := bc.bufs[k]; ok {
		bc.tick++
		b.used = bc.tick
		return b
	}
	b := &Buffer{
		Daddr:  daddr,
		Length: length,
		Data:   make([]byte, length),
		crcOff: -1,
	}
	bc.insert(k, b)
	return b
}

func (bc *bufCache) insert(k bufKey, b *Buffer) {
	bc.tick++
	b.used = bc.tick
	bc.bufs[k] = b
	if len(bc.bufs) <= bc.limit {
		return
	}
	// evict the least recently used clean buffer; dirty buffers only leave
	// the cache through a commit or an explicit flush
	var victim bufKey
	var vb *Buffer
	for key, buf := range bc.bufs {
		if buf == b || buf.dirty {
			continue
		}
		if vb == nil || buf.used < vb.used {
			victim, vb = key, buf
		}
	}
	if vb != nil {
		delete(bc.bufs, victim)
	}
}

// drop removes a buffer from the cache without writing it, discarding any
// in-memory modifications. Used by transaction cancel.
func (bc *bufCache) drop(b *Buffer) {
	delete(bc.bufs, bufKey{b.Daddr, b.Length})
}

// write pushes a single buffer to the device, refreshing its checksum slot
// first when one is set.
func (bc *bufCache) write(b *Buffer) error {
	if b.crcOff >= 0 {
		UpdateCksum(b.Data, b.crcOff)
	}
	_, err := bc.dev.WriteAt(b.Data, b.Daddr<<BBShift)
	if err != nil {
		return fmt.Errorf("write %d bytes at daddr %d: %w", b.Length, b.Daddr, err)
	}
	b.dirty = false
	return nil
}

// flush writes out every dirty buffer. Called by unmount; commits write
// their own buffers eagerly.
func (bc *bufCache) flush() error {
	n := 0
	for _, b := range bc.bufs {
		if !b.dirty {
			continue
		}
		if err := bc.write(b); err != nil {
			return err
		}
		n++
	}
	if n > 0 {
		logrus.Debugf("xfs: flushed %d dirty buffers", n)
	}
	return nil
}
