package xfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtentPackLayout(t *testing.T) {
	e := Extent{FileOff: 1, Start: 2, Count: 3}
	rec := packExtent(e)

	// fileoff occupies bits 73..126, start 21..72, count 0..20
	hi := binary.BigEndian.Uint64(rec[0:])
	lo := binary.BigEndian.Uint64(rec[8:])
	assert.Equal(t, uint64(1)<<(73-64), hi)
	assert.Equal(t, uint64(2)<<21|3, lo)
}

func TestExtentRoundTrip(t *testing.T) {
	cases := []Extent{
		{FileOff: 0, Start: 528, Count: 1},
		{FileOff: 8388608, Start: 12345, Count: 7},
		{FileOff: 42, Start: 1 << 40, Count: 1<<21 - 1},
		{FileOff: 99, Start: 77, Count: 5, Unwritten: true},
	}
	for _, e := range cases {
		rec := packExtent(e)
		got := unpackExtent(rec[:])
		assert.Equal(t, e, got)
	}
}

func TestExtentUnwrittenFlagIsTopBit(t *testing.T) {
	rec := packExtent(Extent{FileOff: 1, Start: 1, Count: 1, Unwritten: true})
	assert.Equal(t, byte(0x80), rec[0]&0x80)

	rec = packExtent(Extent{FileOff: 1, Start: 1, Count: 1})
	assert.Equal(t, byte(0), rec[0]&0x80)
}

func TestLookupExtent(t *testing.T) {
	exts := []Extent{
		{FileOff: 0, Start: 100, Count: 4},
		{FileOff: 8, Start: 200, Count: 2},
	}
	assert.Equal(t, &exts[0], lookupExtent(exts, 3))
	assert.Nil(t, lookupExtent(exts, 4)) // hole
	assert.Equal(t, &exts[1], lookupExtent(exts, 9))
	assert.Nil(t, lookupExtent(exts, 10))
}

func TestMergeExtents(t *testing.T) {
	merged := mergeExtents([]Extent{
		{FileOff: 4, Start: 104, Count: 2},
		{FileOff: 0, Start: 100, Count: 4},
		{FileOff: 10, Start: 300, Count: 1},
	})
	assert.Equal(t, []Extent{
		{FileOff: 0, Start: 100, Count: 6},
		{FileOff: 10, Start: 300, Count: 1},
	}, merged)
}

func TestConvertUnwritten(t *testing.T) {
	exts := []Extent{{FileOff: 0, Start: 100, Count: 10, Unwritten: true}}
	out := convertUnwritten(exts, 3, 5)
	assert.Equal(t, []Extent{
		{FileOff: 0, Start: 100, Count: 3, Unwritten: true},
		{FileOff: 3, Start: 103, Count: 2},
		{FileOff: 5, Start: 105, Count: 5, Unwritten: true},
	}, out)

	// written extents pass through untouched
	out = convertUnwritten([]Extent{{FileOff: 0, Start: 1, Count: 2}}, 0, 2)
	assert.Equal(t, []Extent{{FileOff: 0, Start: 1, Count: 2}}, out)
}
