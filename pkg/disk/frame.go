package disk

import (
	"encoding/binary"

	"github.com/downfa11-org/mmq/pkg/types"
)

// A frame is [length u32][checksum u32][payload], big endian, and never spans segments.

func putFrame(dst []byte, payload []byte, checksum uint32) int {
	binary.BigEndian.PutUint32(dst[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(dst[4:8], checksum)
	return types.FrameHeaderSize + copy(dst[types.FrameHeaderSize:], payload)
}

func frameHeader(b []byte) (length, checksum uint32) {
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8])
}

func zeroPrefix(b []byte) bool {
	for _, c := range b[:types.FrameHeaderSize] {
		if c != 0 {
			return false
		}
	}
	return true
}
