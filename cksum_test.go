package xfs

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrc32cKnownVector(t *testing.T) {
	// the canonical CRC32C check value
	got := ^crc32c(CRCSeed, []byte("123456789"))
	assert.Equal(t, uint32(0xE3069283), got)

	// must agree with the stdlib's finalized Castagnoli checksum
	assert.Equal(t, crc32.Checksum([]byte("123456789"), crc32cTable), got)
}

func TestCrc32cIncremental(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	whole := crc32c(CRCSeed, data)
	split := crc32c(crc32c(CRCSeed, data[:17]), data[17:])
	assert.Equal(t, whole, split)
}

func TestCksumRoundTrip(t *testing.T) {
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	const off = 224

	UpdateCksum(buf, off)
	assert.True(t, VerifyCksum(buf, off))

	// flipping any byte outside the checksum slot must break verification
	buf[0] ^= 0xFF
	assert.False(t, VerifyCksum(buf, off))
	buf[0] ^= 0xFF
	assert.True(t, VerifyCksum(buf, off))

	buf[511] ^= 1
	assert.False(t, VerifyCksum(buf, off))
}

func TestCksumSkipsChecksumField(t *testing.T) {
	a := make([]byte, 256)
	b := make([]byte, 256)
	for i := range a {
		a[i] = byte(i)
		b[i] = byte(i)
	}
	const off = 100

	// different garbage in the slot, same content: same intermediate crc
	binary.BigEndian.PutUint32(a[off:], 0xDEADBEEF)
	binary.BigEndian.PutUint32(b[off:], 0x01020304)
	require.Equal(t, StartCksum(a, off), StartCksum(b, off))
}
