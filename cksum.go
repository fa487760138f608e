package xfs

import (
	"encoding/binary"
	"hash/crc32"
)

// XFS V5 metadata is protected by CRC32C (Castagnoli). The checksum is stored
// inside the block it protects, so the 4-byte slot is skipped while summing.

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// crc32c continues a CRC32C over data. The seed for a fresh computation is
// CRCSeed; note the table is reflected so the running value is kept inverted
// and only flipped by finalization.
func crc32c(crc uint32, data []byte) uint32 {
	// crc32.Update finalizes internally (pre and post inversion), while the
	// on-disk algorithm works on the raw register. Undo both inversions.
	return ^crc32.Update(^crc, crc32cTable, data)
}

// StartCksum computes the intermediate checksum of buf with the 4-byte
// checksum field at cksumOffset excluded. Finalize with ^crc before
// comparing or storing.
func StartCksum(buf []byte, cksumOffset int) uint32 {
	crc := crc32c(CRCSeed, buf[:cksumOffset])
	return crc32c(crc, buf[cksumOffset+4:])
}

// VerifyCksum checks the stored big-endian checksum at cksumOffset against
// the computed value.
func VerifyCksum(buf []byte, cksumOffset int) bool {
	if cksumOffset+4 > len(buf) {
		return false
	}
	crc := ^StartCksum(buf, cksumOffset)
	stored := binary.BigEndian.Uint32(buf[cksumOffset:])
	return crc == stored
}

// UpdateCksum recomputes the checksum of buf and stores it big-endian at
// cksumOffset.
func UpdateCksum(buf []byte, cksumOffset int) {
	crc := ^StartCksum(buf, cksumOffset)
	binary.BigEndian.PutUint32(buf[cksumOffset:], crc)
}
