package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"go.uber.org/multierr"
)

const segmentExt = ".seg"

// SegmentFileName returns the zero padded file name for a segment index.
func SegmentFileName(index uint64) string {
	return fmt.Sprintf("%020d%s", index, segmentExt)
}

// Segment is a fixed capacity, pre-allocated, memory-mapped segment file.
// Append, Commit, Rollback and Seal belong to the single writer and must be
// serialized by the caller. Reads are safe from any goroutine.
type Segment struct {
	path     string
	header   SegmentHeader
	writable bool

	file *os.File
	data []byte

	// writer state
	pos       int
	pending   uint64
	syncedPos int

	// physEnd is the logical end of the bytes present on disk at open time.
	physEnd uint64
	// maxEnd clamps the committed offset seen by readers of a damaged file.
	maxEnd atomic.Uint64
}

// CreateSegment creates, pre-allocates and maps a new segment in dir.
// The file is built under a temporary name and renamed into place so a
// reader never observes a partially initialized segment.
func CreateSegment(dir string, index, capacity, baseOffset, baseSeq uint64) (*Segment, error) {
	if capacity < MinSegmentSize || capacity > MaxSegmentSize {
		return nil, fmt.Errorf("%w: segment capacity %d outside [%d, %d]", types.ErrInvalidConfig, capacity, MinSegmentSize, uint64(MaxSegmentSize))
	}
	path := filepath.Join(dir, SegmentFileName(index))
	tmp := path + ".initializing"

	hdr := SegmentHeader{
		Version:      SegmentVersion,
		Capacity:     capacity,
		Index:        index,
		BaseOffset:   baseOffset,
		BaseSequence: baseSeq,
		Committed:    baseOffset,
	}
	buf := make([]byte, HeaderSize)
	hdr.encode(buf)

	if err := func() error {
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := f.Write(buf); err != nil {
			return err
		} else if err := f.Truncate(int64(capacity)); err != nil {
			return err
		} else if err := f.Sync(); err != nil {
			return err
		}
		return f.Close()
	}(); err != nil {
		_ = os.Remove(tmp)
		return nil, types.IOError("create segment", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, types.IOError("rename", path, err)
	}
	if err := syncDir(dir); err != nil {
		return nil, types.IOError("sync dir", dir, err)
	}

	util.Debug("created segment %s (base offset %d, base seq %d)", path, baseOffset, baseSeq)
	return OpenSegment(path, true)
}

// OpenSegment maps an existing segment. A writable open re-extends a
// truncated file to its full capacity first.
func OpenSegment(path string, writable bool) (*Segment, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, types.IOError("open", path, err)
	}

	s, err := openMapped(f, path, writable)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func openMapped(f *os.File, path string, writable bool) (*Segment, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, types.IOError("stat", path, err)
	}
	size := fi.Size()

	buf := make([]byte, HeaderSize)
	if size < HeaderSize {
		return nil, &types.CorruptionError{Path: path, Reason: fmt.Sprintf("file shorter than header (%d bytes)", size)}
	}
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, types.IOError("read header", path, err)
	}
	hdr, err := decodeHeader(path, buf)
	if err != nil {
		return nil, err
	}

	mapLen := int64(hdr.Capacity)
	physLen := min(size, mapLen)
	if size < mapLen {
		if writable {
			util.Warn("segment %s truncated to %d bytes, extending to %d", path, size, hdr.Capacity)
			if err := f.Truncate(mapLen); err != nil {
				return nil, types.IOError("extend", path, err)
			}
		} else {
			mapLen = size
		}
	}

	data, err := mmapFile(f, int(mapLen), writable)
	if err != nil {
		return nil, types.IOError("mmap", path, err)
	}
	adviseSequential(f, data)

	s := &Segment{
		path:     path,
		header:   hdr,
		writable: writable,
		file:     f,
		data:     data,
		physEnd:  hdr.BaseOffset + uint64(physLen-HeaderSize),
	}
	s.maxEnd.Store(hdr.BaseOffset + uint64(len(data)-HeaderSize))
	s.pos = s.position(s.Committed())
	s.syncedPos = s.pos
	return s, nil
}

func (s *Segment) Path() string         { return s.path }
func (s *Segment) Index() uint64        { return s.header.Index }
func (s *Segment) BaseOffset() uint64   { return s.header.BaseOffset }
func (s *Segment) BaseSequence() uint64 { return s.header.BaseSequence }
func (s *Segment) Capacity() uint64     { return s.header.Capacity }

// DataCapacity is the number of frame bytes the segment can hold.
func (s *Segment) DataCapacity() uint64 { return s.header.Capacity - HeaderSize }

// Committed returns the logical offset one past the last committed frame.
func (s *Segment) Committed() uint64 {
	c := s.loadCommitted()
	if m := s.maxEnd.Load(); c > m {
		return m
	}
	if c < s.header.BaseOffset {
		return s.header.BaseOffset
	}
	return c
}

func (s *Segment) RecordCount() uint64 { return s.loadCount() }

func (s *Segment) Sealed() bool { return s.loadFlags()&flagSealed != 0 }

// Header returns a snapshot of the header including the mutable counters.
func (s *Segment) Header() SegmentHeader {
	h := s.header
	h.RecordCount = s.loadCount()
	h.Committed = s.loadCommitted()
	h.Flags = s.loadFlags()
	return h
}

// position maps a logical offset to a byte position in the mapping.
func (s *Segment) position(offset uint64) int {
	if offset < s.header.BaseOffset {
		return HeaderSize
	}
	return HeaderSize + int(offset-s.header.BaseOffset)
}

func (s *Segment) logical(pos int) uint64 {
	return s.header.BaseOffset + uint64(pos-HeaderSize)
}

// Append writes one frame at the write position without publishing it.
// It returns the logical offset of the frame.
func (s *Segment) Append(payload []byte, checksum uint32) (uint64, error) {
	if !s.writable {
		return 0, types.ErrNotWritable
	}
	if s.Sealed() {
		return 0, types.ErrSegmentFull
	}
	size := int(types.FramedSize(len(payload)))
	if uint64(size) > s.DataCapacity() {
		return 0, fmt.Errorf("%w: %d byte frame exceeds segment data capacity %d", types.ErrRecordTooLarge, size, s.DataCapacity())
	}
	if s.pos+size > len(s.data) {
		return 0, types.ErrSegmentFull
	}
	offset := s.logical(s.pos)
	s.pos += putFrame(s.data[s.pos:], payload, checksum)
	s.pending++
	return offset, nil
}

// Commit publishes every appended frame. With sync set the data pages are
// flushed before the header counters are stored, and the header page after.
func (s *Segment) Commit(sync bool) error {
	if s.pending == 0 {
		return nil
	}
	if sync {
		if err := msyncRange(s.data, s.syncedPos, s.pos); err != nil {
			return types.IOError("msync", s.path, err)
		}
	}
	s.publish(s.loadCount()+s.pending, s.logical(s.pos))
	s.pending = 0
	if sync {
		if err := msyncRange(s.data, 0, HeaderSize); err != nil {
			return types.IOError("msync header", s.path, err)
		}
		s.syncedPos = s.pos
	}
	return nil
}

// Rollback discards frames appended since the last commit.
func (s *Segment) Rollback() {
	start := s.position(s.Committed())
	if s.pos > start {
		clear(s.data[start:s.pos])
	}
	s.pos = start
	s.pending = 0
}

// Flush syncs everything committed but not yet synced.
func (s *Segment) Flush() error {
	if !s.writable || s.syncedPos >= s.pos {
		return nil
	}
	if err := msyncRange(s.data, s.syncedPos, s.pos); err != nil {
		return types.IOError("msync", s.path, err)
	}
	if err := msyncRange(s.data, 0, HeaderSize); err != nil {
		return types.IOError("msync header", s.path, err)
	}
	s.syncedPos = s.pos
	return nil
}

// Seal marks the segment closed for appends and syncs it.
func (s *Segment) Seal() error {
	if !s.writable {
		return types.ErrNotWritable
	}
	if err := s.Flush(); err != nil {
		return err
	}
	for {
		old := s.loadFlags()
		if old&flagSealed != 0 {
			break
		}
		if atomic.CompareAndSwapUint32(s.flagsPtr(), old, old|flagSealed) {
			break
		}
	}
	if err := msyncRange(s.data, 0, HeaderSize); err != nil {
		return types.IOError("msync header", s.path, err)
	}
	return nil
}

// FrameSize returns the framed size of the committed frame at offset
// without verifying its checksum.
func (s *Segment) FrameSize(offset uint64) (uint64, error) {
	_, length, _, err := s.frameAt(offset)
	if err != nil {
		return 0, err
	}
	return types.FramedSize(int(length)), nil
}

// ReadFrame returns a copy of the committed frame payload at offset after
// verifying its checksum.
func (s *Segment) ReadFrame(offset uint64) (payload []byte, checksum uint32, err error) {
	pos, length, sum, err := s.frameAt(offset)
	if err != nil {
		return nil, 0, err
	}
	body := s.data[pos+types.FrameHeaderSize : pos+types.FrameHeaderSize+int(length)]
	if util.Checksum(body) != sum {
		return nil, 0, &types.CorruptionError{Path: s.path, Offset: offset, Reason: "frame checksum mismatch"}
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, sum, nil
}

func (s *Segment) frameAt(offset uint64) (pos int, length, checksum uint32, err error) {
	end := s.Committed()
	if offset < s.header.BaseOffset || offset >= end {
		return 0, 0, 0, fmt.Errorf("%w: %d outside segment %d [%d, %d)", types.ErrOffsetNotFound, offset, s.header.Index, s.header.BaseOffset, end)
	}
	if end-offset < types.FrameHeaderSize {
		return 0, 0, 0, &types.CorruptionError{Path: s.path, Offset: offset, Reason: "truncated frame header"}
	}
	pos = s.position(offset)
	length, checksum = frameHeader(s.data[pos:])
	if uint64(length) > end-offset-types.FrameHeaderSize {
		return 0, 0, 0, &types.CorruptionError{Path: s.path, Offset: offset, Reason: fmt.Sprintf("frame length %d runs past committed end", length)}
	}
	return pos, length, checksum, nil
}

// Close unmaps and closes the segment file.
func (s *Segment) Close() error {
	var err error
	if s.data != nil {
		if merr := munmap(s.data); merr != nil {
			err = multierr.Append(err, types.IOError("munmap", s.path, merr))
		}
		s.data = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil {
			err = multierr.Append(err, types.IOError("close", s.path, cerr))
		}
		s.file = nil
	}
	return err
}
