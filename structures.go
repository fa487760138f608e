package xfs

const (
	SBMagicNumber = 0x58465342 // "XFSB"

	// sector addresses (in units of sb_sectsize) of the per-AG headers
	SBSector   = 0
	AGFSector  = 1
	AGISector  = 2
	AGFLSector = 3

	VersionNumberMask  = 0x000F
	Version4           = 4      // XFS_SB_VERSION_4
	Version5           = 5      // XFS_SB_VERSION_5
	VersionAttrBit     = 0x0010 // XFS_SB_VERSION_ATTRBIT
	VersionNlinkBit    = 0x0020 // XFS_SB_VERSION_NLINKBIT
	VersionQuotaBit    = 0x0040 // XFS_SB_VERSION_QUOTABIT
	VersionAlignBit    = 0x0080 // XFS_SB_VERSION_ALIGNBIT
	VersionLogV2Bit    = 0x0400 // XFS_SB_VERSION_LOGV2BIT
	VersionExtFlgBit   = 0x1000 // XFS_SB_VERSION_EXTFLGBIT
	VersionDirV2Bit    = 0x2000 // XFS_SB_VERSION_DIRV2BIT
	VersionMoreBitsBit = 0x8000 // XFS_SB_VERSION_MOREBITSBIT

	Version2LazySBCountBit = 0x00000002 // XFS_SB_VERSION2_LAZYSBCOUNTBIT
	Version2Attr2Bit       = 0x00000008 // XFS_SB_VERSION2_ATTR2BIT
	Version2ProjID32Bit    = 0x00000080 // XFS_SB_VERSION2_PROJID32BIT
	Version2CRCBit         = 0x00000100 // XFS_SB_VERSION2_CRCBIT
	Version2FtypeBit       = 0x00000200 // XFS_SB_VERSION2_FTYPE

	IncompatFtype    = 0x1 // XFS_SB_FEAT_INCOMPAT_FTYPE
	IncompatSpinode  = 0x2 // XFS_SB_FEAT_INCOMPAT_SPINODES
	IncompatMetaUUID = 0x4
	IncompatBigtime  = 0x8 // XFS_SB_FEAT_INCOMPAT_BIGTIME

	AGFMagicNumber  = 0x58414746 // "XAGF"
	AGFVersion      = 1
	AGIMagicNumber  = 0x58414749 // "XAGI"
	AGIVersion      = 1
	AGFLMagicNumber = 0x5841464C // "XAFL" (V5 only)

	ABTBMagicNumber  = 0x41425442 // "ABTB" free space by block
	ABTCMagicNumber  = 0x41425443 // "ABTC" free space by size
	IBTMagicNumber   = 0x49414254 // "IABT" inode b+tree
	ABTB3MagicNumber = 0x41423342 // "AB3B"
	ABTC3MagicNumber = 0x41423343 // "AB3C"
	IBT3MagicNumber  = 0x49414233 // "IAB3"
	BMapMagicNumber  = 0x424d4150 // "BMAP" bmbt leaf/node
	BMap3MagicNumber = 0x424d4133 // "BMA3"

	Dir2DataFDCount = 3          // XFS_DIR2_DATA_FD_COUNT
	Dir2BlockMagic  = 0x58443242 // "XD2B" single-block directory
	Dir2DataMagic   = 0x58443244 // "XD2D" leaf/node directory data block
	Dir3BlockMagic  = 0x58444233 // "XDB3"
	Dir3DataMagic   = 0x58444433 // "XDD3"
	Dir2LeafMagic   = 0xD2F1     // XFS_DIR2_LEAF1_MAGIC
	Dir2LeafNMagic  = 0xD2FF     // XFS_DIR2_LEAFN_MAGIC
	Dir3LeafMagic   = 0x3DF1
	Dir3LeafNMagic  = 0x3DFF
	DANodeMagic     = 0xFEBE // XFS_DA_NODE_MAGIC
	DA3NodeMagic    = 0x3EBE
	Dir2FreeMagic   = 0x58443246 // "XD2F"
	Dir3FreeMagic   = 0x58444633 // "XDF3"
	SymlinkMagic    = 0x58534C4D // "XSLM" (V5 remote symlink blocks)

	// tag marking an unused region inside a directory data block
	Dir2DataFreeTag = 0xFFFF

	// directory data is 8-byte aligned; dataptr cursors are byte addresses >> 3
	Dir2DataAlignLog = 3

	// leaf blocks live at 32 GiB within the directory file, free index at 64 GiB
	Dir2LeafOffset = 32 * 1024 * 1024 * 1024
	Dir2FreeOffset = 64 * 1024 * 1024 * 1024

	FTypeUnknown      = 0
	FTypeRegularFile  = 1
	FTypeDirectory    = 2
	FTypeCharSpecial  = 3
	FTypeBlockSpecial = 4
	FTypeFIFO         = 5
	FTypeSocket       = 6
	FTypeSymlink      = 7

	XLogMagicNumber = 0xFEEDBABE

	InodeMagicNumber = 0x494E // "IN"

	InodeFormatDev     = 0
	InodeFormatLocal   = 1
	InodeFormatExtents = 2
	InodeFormatBTree   = 3
	InodeFormatUUID    = 4

	InodeVersion1 = 1
	InodeVersion2 = 2
	InodeVersion3 = 3

	// on-disk inode core sizes; V3 carries its CRC right after di_next_unlinked
	InodeCoreSizeV2 = 96
	InodeCoreSizeV3 = 176
	InodeCRCOffset  = 100

	// inode flags2
	InodeFlag2Bigtime = 0x8 // XFS_DIFLAG2_BIGTIME

	// seconds between the bigtime epoch and the unix epoch
	BigtimeEpochOffset = int64(1) << 31

	// checksum field offsets within V5 metadata blocks
	SBCRCOffset       = 224
	AGFCRCOffset      = 216
	AGICRCOffset      = 312
	AGFLCRCOffset     = 32
	Dir3DataCRCOffset = 4
	Dir3LeafCRCOffset = 12
	BTreeSCRCOffset   = 52
	SymlinkCRCOffset  = 12

	// V5 header sizes
	Dir3DataHdrSize  = 64
	Dir2DataHdrSize  = 16
	Dir3LeafHdrSize  = 64
	Dir2LeafHdrSize  = 16
	SymlinkHdrSize   = 56
	BTreeSBlockSize  = 16
	BTreeS3BlockSize = 56

	InodesPerChunk = 64 // XFS_INODES_PER_CHUNK

	MaxNameLen = 255 // MAXNAMELEN - 1 on disk

	// nlink ceilings; V1 inodes store the link count in a 16 bit field
	MaxLink   = 0x7FFFFFFF // XFS_MAXLINK
	MaxLinkV1 = 0xFFFF     // XFS_MAXLINK_1

	// sentinel "no block" values
	NullAGBlock = 0xFFFFFFFF
	NullFSBlock = 0xFFFFFFFFFFFFFFFF
	NullAGIno   = 0xFFFFFFFF

	// CRC32C seed used by all V5 metadata (XFS_CRC_SEED)
	CRCSeed = 0xFFFFFFFF

	// basic blocks are always 512 bytes, regardless of fs block size
	BBShift = 9
	BBSize  = 1 << BBShift
)

// SuperBlock is the on-disk superblock, big-endian, located in the first
// sector of each allocation group. Only the copy in AG 0 is authoritative.
type SuperBlock struct {
	MagicNumber             uint32   // 0
	BlockSize               uint32   // 4
	DataBlocks              uint64   // 8
	RealtimeBlocks          uint64   // 16
	RealtimeExtents         uint64   // 24
	UUID                    [16]byte // 32
	LogStart                uint64   // 48
	RootInode               uint64   // 56
	RealtimeBitmapInode     uint64   // 64
	RealtimeSummaryInode    uint64   // 72
	RealtimeExtentBlocks    uint32   // 80
	AGBlocks                uint32   // 84
	AGCount                 uint32   // 88
	RealtimeBitmapBlocks    uint32   // 92
	LogBlocks               uint32   // 96
	VersionNum              uint16   // 100
	SectorSize              uint16   // 102
	InodeSize               uint16   // 104
	InodesPerBlock          uint16   // 106
	FSName                  [12]byte // 108
	BlockSizeLog            uint8    // 120
	SectorSizeLog           uint8    // 121
	InodeSizeLog            uint8    // 122
	InodesPerBlockLog       uint8    // 123
	AGBlocksLog             uint8    // 124
	RealtimeExtentBlocksLog uint8    // 125
	InProgress              uint8    // 126
	InodesMaxPercentage     uint8    // 127
	InodesAllocated         uint64   // 128
	InodesFree              uint64   // 136
	DataFree                uint64   // 144
	RealtimeExtentsFree     uint64   // 152
	UserQuotasInode         uint64   // 160
	GroupQuotasInode        uint64   // 168
	QuotaFlags              uint16   // 176
	MiscFlags               uint8    // 178
	SharedVN                uint8    // 179
	InodeChunkAlignment     uint32   // 180
	StripeUnitBlocks        uint32   // 184
	StripeWidthBlocks       uint32   // 188
	DirectoryBlocksLog      uint8    // 192
	LogSectorSizeLog        uint8    // 193
	LogSectorSize           uint16   // 194
	LogStripeUnit           uint32   // 196
	Features2               uint32   // 200
	BadFeatures2            uint32   // 204

	// version 5 only; zero-filled on V4 filesystems
	FeaturesCompat       uint32   // 208
	FeaturesRoCompat     uint32   // 212
	FeaturesIncompat     uint32   // 216
	FeaturesLogIncompat  uint32   // 220
	Checksum             uint32   // 224
	SparseInodeAlignment uint32   // 228
	ProjectQuotaInode    uint64   // 232
	LastLogSeqNo         uint64   // 240
	MetaUUID             [16]byte // 248
	ReverseMapInode      uint64   // 264
}

// AGF describes an allocation group's free space, one sector after the
// superblock. The two roots are the by-block and by-size free space b+trees.
type AGF struct {
	Magic       uint32    // 0
	Version     uint32    // 4
	SeqNo       uint32    // 8
	Length      uint32    // 12
	Roots       [2]uint32 // 16
	Spare0      uint32    // 24
	Levels      [2]uint32 // 28
	Spare1      uint32    // 36
	FLFirst     uint32    // 40
	FLLast      uint32    // 44
	FLCount     uint32    // 48
	FreeBlocks  uint32    // 52
	Longest     uint32    // 56
	BTreeBlocks uint32    // 60
}

// AGI describes an allocation group's inodes, one sector after the AGF.
type AGI struct {
	Magic     uint32     // 0
	Version   uint32     // 4
	SeqNo     uint32     // 8
	Length    uint32     // 12
	Count     uint32     // 16
	Root      uint32     // 20
	Level     uint32     // 24
	FreeCount uint32     // 28
	NewIno    uint32     // 32
	DirIno    uint32     // 36
	Unlinked  [64]uint32 // 40
}

// BTreeSBlock is the header of a short-form (AG-relative pointers) b+tree
// block, used by the free space and inode b+trees.
type BTreeSBlock struct {
	Magic    uint32 // 0
	Level    uint16 // 4
	NumRecs  uint16 // 6
	LeftSib  uint32 // 8
	RightSib uint32 // 12
}

// AllocRecord is a leaf record of the free space b+trees.
type AllocRecord struct {
	StartBlock uint32 // 0
	BlockCount uint32 // 4
}

// InodeBTRecord is a leaf record of the inode b+tree, covering a chunk of
// 64 inodes. Free is a bitmask with bit N set if inode N of the chunk is free.
type InodeBTRecord struct {
	StartIno  uint32 // 0
	FreeCount uint32 // 4
	Free      uint64 // 8
}

// BMapBTBlock is the header of a bmbt (extent map) b+tree block; siblings are
// absolute filesystem block numbers, hence 64-bit.
type BMapBTBlock struct {
	Magic    uint32 // 0
	Level    uint16 // 4
	NumRecs  uint16 // 6
	LeftSib  uint64 // 8
	RightSib uint64 // 16
}

type Dir2FreeEntry struct {
	Offset uint16 // 0
	Length uint16 // 2
}

// Dir2Header starts a V4 directory data block (magic XD2B or XD2D).
type Dir2Header struct {
	Magic    uint32                         // 0
	BestFree [Dir2DataFDCount]Dir2FreeEntry // 4
} // 16

// Dir3Header starts a V5 directory data block (magic XDB3 or XDD3).
type Dir3Header struct {
	Magic    uint32                         // 0
	CRC      uint32                         // 4
	BlockNo  uint64                         // 8
	LSN      uint64                         // 16
	UUID     [16]byte                       // 24
	Owner    uint64                         // 40
	BestFree [Dir2DataFDCount]Dir2FreeEntry // 48
	Pad      uint32                         // 60
} // 64

type Dir2LeafEntry struct {
	HashVal uint32 // 0
	Address uint32 // 4
} // 8

type Dir2BlockTail struct {
	Count uint32 // 0
	Stale uint32 // 4
} // 8

type BlockInfo struct {
	Forw  uint32
	Back  uint32
	Magic uint16
	Pad   uint16
} // 12

type Dir2LeafHeader struct {
	Info  BlockInfo // 0
	Count uint16    // 12
	Stale uint16    // 14
} // 16

type Dir2LeafTail struct {
	BestCount uint32 // 0
} // 4

type Dir2FreeIndexHeader struct {
	Magic   uint32
	FirstDB int32
	NValid  int32
	NUsed   int32
} // 16

type DANodeHeader struct {
	Info  BlockInfo
	Count uint16
	Level uint16
} // 16

// XLogRecHeader is the header of one log record. A cleanly unmounted
// filesystem carries a single record holding an unmount transaction.
type XLogRecHeader struct {
	Magic     uint32     // 0
	Cycle     uint32     // 4
	Version   uint32     // 8
	Len       uint32     // 12
	LSN       uint64     // 16
	TailLSN   uint64     // 24
	CRC       uint32     // 32
	PrevBlock uint32     // 36
	NumLogOps uint32     // 40
	CycleData [64]uint32 // 44
	Fmt       uint32     // 300
	FSUUID    [16]byte   // 304
	Size      uint32     // 320
	Padding   [188]byte  // 324
}

type XLogRecord struct {
	TransactionID uint32 // 0
	Length        uint32 // 4
	ClientID      uint8  // 8
	Flags         uint8  // 9
	_             uint16 // 10
	Unknown       uint16 // 12
}

// Timestamp is the legacy split-seconds inode timestamp. V3 inodes with the
// bigtime flag reinterpret the same 8 bytes as a 64-bit nanosecond counter.
type Timestamp struct {
	Sec  uint32 // 0
	NSec uint32 // 4
}

// InodeCore is the fixed 96-byte head of every on-disk inode, plus the
// NextUnlinked pointer that immediately follows it.
type InodeCore struct {
	Magic        uint16    // 0
	Mode         uint16    // 2
	Version      uint8     // 4
	Format       uint8     // 5
	Onlink       uint16    // 6
	UID          uint32    // 8
	GID          uint32    // 12
	Nlink        uint32    // 16
	ProjID       uint16    // 20
	Pad          [8]byte   // 22
	FlushIter    uint16    // 30
	ATime        Timestamp // 32
	MTime        Timestamp // 40
	CTime        Timestamp // 48
	Size         int64     // 56
	NBlocks      uint64    // 64
	ExtSize      uint32    // 72
	NExtents     int32     // 76
	ANExtents    int16     // 80
	ForkOff      uint8     // 82
	AFormat      int8      // 83
	DMevMask     uint32    // 84
	DMState      uint16    // 88
	Flags        uint16    // 90
	Gen          uint32    // 92
	NextUnlinked uint32    // 96
} // 100

// InodeCoreV3 holds the fields a version 3 inode appends after its CRC.
type InodeCoreV3 struct {
	ChangeCount uint64    // 104
	LSN         uint64    // 112
	Flags2      uint64    // 120
	CowExtSize  uint32    // 128
	Pad2        [12]byte  // 132
	CrTime      Timestamp // 144
	Ino         uint64    // 152
	UUID        [16]byte  // 160
} // ends at 176
