package disk

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/downfa11-org/mmq/pkg/types"
)

const (
	SegmentMagic   = "MMQS"
	SegmentVersion = 1

	// HeaderSize is the fixed segment header at the start of every segment file.
	HeaderSize = 64

	// MinSegmentSize leaves room for the header and a few small frames.
	MinSegmentSize = 128
	// MaxSegmentSize keeps every frame length within its u32 prefix.
	MaxSegmentSize = 1<<32 - 1
)

// Header field positions. Immutable fields are little endian; the counters
// below offCount are updated in place with atomic operations in host order.
const (
	offMagic       = 0
	offVersion     = 4
	offCapacity    = 8
	offIndex       = 16
	offBaseOffset  = 24
	offBaseSeq     = 32
	offCount       = 40
	offCommitted   = 48
	offFlags       = 56
	offHeaderCRC   = 60
	immutableBytes = offCount
)

const flagSealed uint32 = 1

// SegmentHeader is a decoded copy of a segment header.
type SegmentHeader struct {
	Version      uint32
	Capacity     uint64
	Index        uint64
	BaseOffset   uint64
	BaseSequence uint64
	RecordCount  uint64
	Committed    uint64
	Flags        uint32
}

func (h SegmentHeader) Sealed() bool { return h.Flags&flagSealed != 0 }

// encode writes the header into b, which must be at least HeaderSize long.
func (h SegmentHeader) encode(b []byte) {
	copy(b[offMagic:offMagic+4], SegmentMagic)
	binary.LittleEndian.PutUint32(b[offVersion:], h.Version)
	binary.LittleEndian.PutUint64(b[offCapacity:], h.Capacity)
	binary.LittleEndian.PutUint64(b[offIndex:], h.Index)
	binary.LittleEndian.PutUint64(b[offBaseOffset:], h.BaseOffset)
	binary.LittleEndian.PutUint64(b[offBaseSeq:], h.BaseSequence)
	binary.NativeEndian.PutUint64(b[offCount:], h.RecordCount)
	binary.NativeEndian.PutUint64(b[offCommitted:], h.Committed)
	binary.NativeEndian.PutUint32(b[offFlags:], h.Flags)
	binary.LittleEndian.PutUint32(b[offHeaderCRC:], headerChecksum(b))
}

func headerChecksum(b []byte) uint32 {
	return uint32(xxhash.Sum64(b[:immutableBytes]))
}

// decodeHeader validates magic, version and checksum of a header copy.
func decodeHeader(path string, b []byte) (SegmentHeader, error) {
	if len(b) < HeaderSize {
		return SegmentHeader{}, &types.CorruptionError{Path: path, Reason: fmt.Sprintf("file shorter than header (%d bytes)", len(b))}
	}
	if string(b[offMagic:offMagic+4]) != SegmentMagic {
		return SegmentHeader{}, &types.CorruptionError{Path: path, Reason: "bad segment magic"}
	}
	h := SegmentHeader{
		Version:      binary.LittleEndian.Uint32(b[offVersion:]),
		Capacity:     binary.LittleEndian.Uint64(b[offCapacity:]),
		Index:        binary.LittleEndian.Uint64(b[offIndex:]),
		BaseOffset:   binary.LittleEndian.Uint64(b[offBaseOffset:]),
		BaseSequence: binary.LittleEndian.Uint64(b[offBaseSeq:]),
		RecordCount:  binary.NativeEndian.Uint64(b[offCount:]),
		Committed:    binary.NativeEndian.Uint64(b[offCommitted:]),
		Flags:        binary.NativeEndian.Uint32(b[offFlags:]),
	}
	if h.Version != SegmentVersion {
		return SegmentHeader{}, &types.CorruptionError{Path: path, Reason: fmt.Sprintf("unsupported segment version %d", h.Version)}
	}
	if want := binary.LittleEndian.Uint32(b[offHeaderCRC:]); want != headerChecksum(b) {
		return SegmentHeader{}, &types.CorruptionError{Path: path, Reason: "header checksum mismatch"}
	}
	if h.Capacity < MinSegmentSize {
		return SegmentHeader{}, &types.CorruptionError{Path: path, Reason: fmt.Sprintf("capacity %d below minimum", h.Capacity)}
	}
	return h, nil
}

// Atomic accessors over the mapped header. The mapping is page aligned so the
// counter fields are naturally aligned for 64-bit atomics.

func (s *Segment) countPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&s.data[offCount]))
}

func (s *Segment) committedPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&s.data[offCommitted]))
}

func (s *Segment) flagsPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[offFlags]))
}

func (s *Segment) loadCount() uint64     { return atomic.LoadUint64(s.countPtr()) }
func (s *Segment) loadCommitted() uint64 { return atomic.LoadUint64(s.committedPtr()) }
func (s *Segment) loadFlags() uint32     { return atomic.LoadUint32(s.flagsPtr()) }

// publish stores the record count before the committed offset so a reader that
// observes the new offset also observes the count.
func (s *Segment) publish(count, committed uint64) {
	atomic.StoreUint64(s.countPtr(), count)
	atomic.StoreUint64(s.committedPtr(), committed)
}
