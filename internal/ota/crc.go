package ota

import "hash/crc32"

// UpdateCRC extends a CRC-32 (IEEE, reflected 0xEDB88320) over p. Starting
// from 0 and feeding an image in any number of pieces yields the same value
// as zlib.crc32 of the whole image.
func UpdateCRC(crc uint32, p []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, p)
}
