package walog

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

func checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, table)
}

func validChecksum(payload []byte, want uint32) bool {
	return checksum(payload) == want
}
