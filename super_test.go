package xfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSuper() SuperBlock {
	return SuperBlock{
		MagicNumber:       SBMagicNumber,
		BlockSize:         4096,
		DataBlocks:        8192,
		RootInode:         128,
		AGBlocks:          8192,
		AGCount:           1,
		VersionNum:        Version4 | VersionNlinkBit | VersionDirV2Bit,
		SectorSize:        512,
		InodeSize:         512,
		InodesPerBlock:    8,
		BlockSizeLog:      12,
		SectorSizeLog:     9,
		InodeSizeLog:      9,
		InodesPerBlockLog: 3,
		AGBlocksLog:       13,
	}
}

func TestSuperValidate(t *testing.T) {
	sb := validSuper()
	require.NoError(t, sb.Validate())

	bad := sb
	bad.MagicNumber = 0x12345678
	assert.ErrorIs(t, bad.Validate(), ErrInvalidFile)

	bad = sb
	bad.VersionNum = 3
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSuper)

	bad = sb
	bad.BlockSize = 3000
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSuper)

	bad = sb
	bad.BlockSize = 131072
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSuper)

	bad = sb
	bad.RootInode = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSuper)

	bad = sb
	bad.AGCount = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSuper)

	// dblocks must land in the last AG
	bad = sb
	bad.DataBlocks = 100000
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSuper)

	bad = sb
	bad.InodesPerBlock = 4
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSuper)
}

func TestSuperMarshalRoundTrip(t *testing.T) {
	sb := validSuper()
	sb.UUID = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	sb.DataFree = 1234
	sb.InodesAllocated = 64
	sb.InodesFree = 61

	buf := make([]byte, 512)
	require.NoError(t, sb.MarshalInto(buf))

	var got SuperBlock
	require.NoError(t, got.UnmarshalBinary(buf))
	assert.Equal(t, sb, got)
}

func TestSuperFeatureBits(t *testing.T) {
	sb := validSuper()
	assert.False(t, sb.HasCRC())
	assert.False(t, sb.HasFtype())
	assert.Equal(t, uint32(MaxLink), sb.MaxLink())

	sb.VersionNum |= VersionMoreBitsBit
	sb.Features2 = Version2FtypeBit
	assert.True(t, sb.HasFtype())

	v5 := sb
	v5.VersionNum = Version5 | VersionNlinkBit
	v5.Features2 = 0
	v5.FeaturesIncompat = IncompatFtype
	assert.True(t, v5.HasCRC())
	assert.True(t, v5.HasFtype())

	v1 := validSuper()
	v1.VersionNum = Version4 | VersionDirV2Bit // no nlink bit
	assert.Equal(t, uint32(MaxLinkV1), v1.MaxLink())
}

func TestDirEntrySizes(t *testing.T) {
	// 8 byte inumber + 1 namelen + name + 2 tag, rounded to 8
	assert.Equal(t, 16, entSize(1, false))
	assert.Equal(t, 16, entSize(5, false))
	assert.Equal(t, 24, entSize(6, false))
	// the ftype byte can push a name over the boundary
	assert.Equal(t, 16, entSize(4, true))
	assert.Equal(t, 24, entSize(5, true))
	assert.Equal(t, 24, entSize(12, true))
}
