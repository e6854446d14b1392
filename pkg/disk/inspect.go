package disk

import (
	"fmt"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"golang.org/x/exp/mmap"
)

// VerifyReport summarizes a read-only scan of one segment file.
type VerifyReport struct {
	Path    string
	Header  SegmentHeader
	Size    int
	Records uint64
	// ValidEnd is the logical offset one past the last frame that passed validation.
	ValidEnd uint64
	// Invalid is set when a frame before the committed offset failed validation.
	Invalid       bool
	InvalidOffset uint64
	InvalidReason string
}

// Consistent reports whether the header agrees with the frames on disk.
func (r VerifyReport) Consistent() bool {
	return !r.Invalid && r.ValidEnd == r.Header.Committed && r.Records == r.Header.RecordCount
}

// Verify scans a segment file through a private read-only mapping without
// taking the writer lock or modifying anything.
func Verify(path string) (VerifyReport, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return VerifyReport{}, types.IOError("mmap", path, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			util.Error("failed to close %s: %v", path, err)
		}
	}()

	rep := VerifyReport{Path: path, Size: r.Len()}
	buf := make([]byte, HeaderSize)
	if r.Len() < HeaderSize {
		return rep, &types.CorruptionError{Path: path, Reason: fmt.Sprintf("file shorter than header (%d bytes)", r.Len())}
	}
	if _, err := r.ReadAt(buf, 0); err != nil {
		return rep, types.IOError("read header", path, err)
	}
	if rep.Header, err = decodeHeader(path, buf); err != nil {
		return rep, err
	}

	h := rep.Header
	limit := int64(min(uint64(r.Len()), h.Capacity))
	committedPos := int64(HeaderSize) + int64(h.Committed-min(h.Committed, h.BaseOffset))
	pos := int64(HeaderSize)
	prefix := make([]byte, types.FrameHeaderSize)
	var body []byte

	stop := func(reason string) {
		rep.ValidEnd = h.BaseOffset + uint64(pos-HeaderSize)
		if pos < committedPos {
			rep.Invalid = true
			rep.InvalidOffset = rep.ValidEnd
			rep.InvalidReason = reason
		}
	}

	for {
		if pos+types.FrameHeaderSize > limit {
			stop("frame header past end of file")
			break
		}
		if _, err := r.ReadAt(prefix, pos); err != nil {
			return rep, types.IOError("read frame", path, err)
		}
		if zeroPrefix(prefix) {
			stop("zero prefix")
			break
		}
		length, sum := frameHeader(prefix)
		if int64(length) > limit-pos-types.FrameHeaderSize {
			stop(fmt.Sprintf("invalid frame length %d", length))
			break
		}
		if cap(body) < int(length) {
			body = make([]byte, length)
		}
		body = body[:length]
		if _, err := r.ReadAt(body, pos+types.FrameHeaderSize); err != nil {
			return rep, types.IOError("read frame", path, err)
		}
		if util.Checksum(body) != sum {
			stop("checksum mismatch")
			break
		}
		pos += types.FrameHeaderSize + int64(length)
		rep.Records++
	}
	return rep, nil
}
