package disk

import (
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
)

// ScanResult describes where a frame scan stopped.
type ScanResult struct {
	End     uint64
	Records uint64
	// Reason is empty when the scan reached the end of the segment.
	Reason string
}

// scan walks frames from the logical offset from, counting records from count,
// until a frame with an all-zero prefix, an invalid length or a bad checksum.
func (s *Segment) scan(from, count uint64) ScanResult {
	pos := s.position(from)
	limit := s.position(s.physEnd)
	for {
		if pos+types.FrameHeaderSize > limit {
			return ScanResult{End: s.logical(pos), Records: count}
		}
		if zeroPrefix(s.data[pos:]) {
			return ScanResult{End: s.logical(pos), Records: count, Reason: "zero prefix"}
		}
		length, sum := frameHeader(s.data[pos:])
		body := pos + types.FrameHeaderSize
		if int64(length) > int64(limit-body) {
			return ScanResult{End: s.logical(pos), Records: count, Reason: "invalid length"}
		}
		if util.Checksum(s.data[body:body+int(length)]) != sum {
			return ScanResult{End: s.logical(pos), Records: count, Reason: "checksum mismatch"}
		}
		pos = body + int(length)
		count++
	}
}

// Recover finds the true end of the segment. The scan starts at the header's
// committed offset, or at the segment base when the header points past the
// bytes on disk. A writable segment gets its header corrected and the bytes
// past the end zeroed; a read-only segment only clamps its view in memory.
func (s *Segment) Recover() (ScanResult, error) {
	h := s.Header()
	start, count := h.Committed, h.RecordCount
	if start < h.BaseOffset || start > s.physEnd {
		util.Warn("segment %s header committed offset %d outside [%d, %d], rescanning from base", s.path, start, h.BaseOffset, s.physEnd)
		start, count = h.BaseOffset, 0
		if !s.writable {
			res := s.scan(start, count)
			s.maxEnd.Store(res.End)
			return res, nil
		}
	}
	if !s.writable {
		// frames past the committed offset may belong to an in-flight append
		return ScanResult{End: start, Records: count}, nil
	}

	res := s.scan(start, count)
	end := s.position(res.End)
	if res.Reason != "zero prefix" {
		if res.Reason != "" {
			util.Warn("segment %s: %s at offset %d, discarding tail", s.path, res.Reason, res.End)
		}
		clear(s.data[end:])
	}
	if res.End != h.Committed || res.Records != h.RecordCount {
		util.Info("segment %s recovered: committed %d -> %d, records %d -> %d", s.path, h.Committed, res.End, h.RecordCount, res.Records)
		s.publish(res.Records, res.End)
	}
	if err := msyncRange(s.data, 0, len(s.data)); err != nil {
		return res, types.IOError("msync", s.path, err)
	}
	s.maxEnd.Store(s.header.BaseOffset + uint64(len(s.data)-HeaderSize))
	s.physEnd = s.header.BaseOffset + uint64(len(s.data)-HeaderSize)
	s.pos = end
	s.syncedPos = end
	s.pending = 0
	return res, nil
}
