package util

import "github.com/cespare/xxhash/v2"

// Checksum returns the frame checksum of payload: the low 32 bits of xxhash64.
// The checksum of an empty payload is non-zero, so a zeroed frame prefix never
// validates.
func Checksum(payload []byte) uint32 {
	return uint32(xxhash.Sum64(payload))
}
