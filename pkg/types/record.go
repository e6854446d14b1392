package types

// FrameHeaderSize is the [length u32][checksum u32] prefix of every frame.
const FrameHeaderSize = 8

// Record is one committed entry of the log.
type Record struct {
	Sequence uint64
	Offset   uint64
	Checksum uint32
	Payload  []byte
}

// FramedSize is the number of logical log bytes the record occupies.
func (r Record) FramedSize() uint64 {
	return FramedSize(len(r.Payload))
}

// NextOffset is the offset one past the record.
func (r Record) NextOffset() uint64 {
	return r.Offset + r.FramedSize()
}

func FramedSize(payloadLen int) uint64 {
	return uint64(FrameHeaderSize + payloadLen)
}
