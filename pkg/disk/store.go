package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"go.uber.org/multierr"
)

// Store owns a queue directory: its metadata, segment files and, for the
// writer role, the writer lock.
type Store struct {
	dir      string
	meta     Meta
	writable bool
	lock     *WriterLock
}

// CreateStore opens dir for writing, creating the metadata when absent. An
// existing queue is accepted only when its format version and segment size
// match meta; a non-zero meta.MaxBytes replaces its cap.
func CreateStore(dir string, meta Meta) (*Store, error) {
	if meta.SegmentSize < MinSegmentSize || meta.SegmentSize > MaxSegmentSize {
		return nil, fmt.Errorf("%w: segment size %d outside [%d, %d]", types.ErrInvalidConfig, meta.SegmentSize, MinSegmentSize, uint64(MaxSegmentSize))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.IOError("mkdir", dir, err)
	}
	lock, err := AcquireWriterLock(dir)
	if err != nil {
		return nil, err
	}

	existing, err := ReadMeta(dir)
	switch {
	case err == nil:
		if existing.SegmentSize != meta.SegmentSize {
			_ = lock.Release()
			return nil, fmt.Errorf("%w: %s holds a queue with segment size %d, want %d", types.ErrInvalidConfig, dir, existing.SegmentSize, meta.SegmentSize)
		}
		// A zero cap keeps the persisted one.
		if meta.MaxBytes != 0 && existing.MaxBytes != meta.MaxBytes {
			existing.MaxBytes = meta.MaxBytes
			if err := WriteMeta(dir, existing); err != nil {
				_ = lock.Release()
				return nil, err
			}
		}
		meta = existing
	case errors.Is(err, fs.ErrNotExist):
		if meta.Version == 0 {
			meta.Version = MetaVersion
		}
		if err := WriteMeta(dir, meta); err != nil {
			_ = lock.Release()
			return nil, err
		}
		util.Info("created queue %s in %s", meta.QueueID, dir)
	default:
		_ = lock.Release()
		return nil, err
	}

	return &Store{dir: dir, meta: meta, writable: true, lock: lock}, nil
}

// OpenStore attaches to an existing queue directory.
func OpenStore(dir string, writable bool) (*Store, error) {
	meta, err := ReadMeta(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no queue at %s", types.ErrInvalidConfig, dir)
		}
		return nil, err
	}
	s := &Store{dir: dir, meta: meta, writable: writable}
	if writable {
		if s.lock, err = AcquireWriterLock(dir); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Dir() string    { return s.dir }
func (s *Store) Meta() Meta     { return s.meta }
func (s *Store) Writable() bool { return s.writable }

// SetMaxBytes persists a new logical size cap.
func (s *Store) SetMaxBytes(n uint64) error {
	if !s.writable {
		return types.ErrNotWritable
	}
	m := s.meta
	m.MaxBytes = n
	if err := WriteMeta(s.dir, m); err != nil {
		return err
	}
	s.meta = m
	return nil
}

func (s *Store) SegmentPath(index uint64) string {
	return filepath.Join(s.dir, SegmentFileName(index))
}

// SegmentIndexes lists segment indexes in ascending order. Leftover
// .initializing and .deleted files are removed by the writer.
func (s *Store) SegmentIndexes() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, types.IOError("readdir", s.dir, err)
	}
	var idxs []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, ".initializing") || strings.HasSuffix(name, deletedExt) {
			if s.writable {
				util.Debug("removing leftover %s", name)
				_ = os.Remove(filepath.Join(s.dir, name))
			}
			continue
		}
		if !strings.HasSuffix(name, segmentExt) {
			continue
		}
		idx, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		idxs = append(idxs, idx)
	}
	slices.Sort(idxs)
	return idxs, nil
}

func (s *Store) CreateSegment(index, baseOffset, baseSeq uint64) (*Segment, error) {
	if !s.writable {
		return nil, types.ErrNotWritable
	}
	return CreateSegment(s.dir, index, s.meta.SegmentSize, baseOffset, baseSeq)
}

// OpenSegment maps an existing segment file. It matches os.ErrNotExist when
// the segment has not been created yet.
func (s *Store) OpenSegment(index uint64) (*Segment, error) {
	seg, err := OpenSegment(s.SegmentPath(index), s.writable)
	if err != nil {
		return nil, err
	}
	if seg.Index() != index {
		_ = seg.Close()
		return nil, &types.CorruptionError{Path: seg.Path(), Reason: fmt.Sprintf("header index %d does not match file name", seg.Index())}
	}
	return seg, nil
}

// Recover opens every segment in index order and establishes the true end
// of the log. The writer seals stray unsealed segments and corrects the
// header of the last one; a queue without segments gets its first segment.
func (s *Store) Recover() ([]*Segment, error) {
	idxs, err := s.SegmentIndexes()
	if err != nil {
		return nil, err
	}
	if len(idxs) == 0 {
		if !s.writable {
			return nil, &types.CorruptionError{Path: s.dir, Reason: "queue has no segments"}
		}
		seg, err := s.CreateSegment(0, 0, s.meta.BaseSequence)
		if err != nil {
			return nil, err
		}
		return []*Segment{seg}, nil
	}

	segs := make([]*Segment, 0, len(idxs))
	fail := func(err error) ([]*Segment, error) {
		for _, seg := range segs {
			err = multierr.Append(err, seg.Close())
		}
		return nil, err
	}

	for i, idx := range idxs {
		if i > 0 && idx != idxs[i-1]+1 {
			return fail(&types.CorruptionError{Path: s.SegmentPath(idxs[i-1] + 1), Reason: "segment missing"})
		}
		seg, err := s.OpenSegment(idx)
		if err != nil {
			return fail(err)
		}
		segs = append(segs, seg)

		last := i == len(idxs)-1
		switch {
		case last:
			if _, err := seg.Recover(); err != nil {
				return fail(err)
			}
		case !seg.Sealed() && s.writable:
			util.Warn("segment %s is not sealed but is followed by newer segments, sealing", seg.Path())
			if _, err := seg.Recover(); err != nil {
				return fail(err)
			}
			if err := seg.Seal(); err != nil {
				return fail(err)
			}
		case seg.loadCommitted() > seg.physEnd:
			return fail(&types.CorruptionError{Path: seg.Path(), Offset: seg.physEnd, Reason: "sealed segment truncated"})
		}

		if i > 0 {
			prev := segs[i-1]
			if seg.BaseOffset() != prev.Committed() {
				return fail(&types.CorruptionError{Path: seg.Path(), Offset: seg.BaseOffset(), Reason: fmt.Sprintf("base offset does not follow previous segment end %d", prev.Committed())})
			}
			if want := prev.BaseSequence() + prev.RecordCount(); seg.BaseSequence() != want {
				return fail(&types.CorruptionError{Path: seg.Path(), Offset: seg.BaseOffset(), Reason: fmt.Sprintf("base sequence %d, want %d", seg.BaseSequence(), want)})
			}
		}
	}
	return segs, nil
}

// Close releases the writer lock. Segments are closed by their owner.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	err := s.lock.Release()
	s.lock = nil
	return err
}
