package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	MetaFileName = "queue.meta"
	MetaVersion  = 1
)

// Meta is the queue metadata persisted next to the segments.
type Meta struct {
	Version      int       `yaml:"version"`
	QueueID      string    `yaml:"queue_id"`
	SegmentSize  uint64    `yaml:"segment_size"`
	MaxBytes     uint64    `yaml:"max_bytes"`
	BaseSequence uint64    `yaml:"base_sequence"`
	CreatedAt    time.Time `yaml:"created_at"`
}

func NewMeta(segmentSize, maxBytes, baseSeq uint64) Meta {
	return Meta{
		Version:      MetaVersion,
		QueueID:      uuid.NewString(),
		SegmentSize:  segmentSize,
		MaxBytes:     maxBytes,
		BaseSequence: baseSeq,
		CreatedAt:    time.Now().UTC(),
	}
}

// WriteMeta replaces <dir>/queue.meta atomically.
func WriteMeta(dir string, m Meta) error {
	path := filepath.Join(dir, MetaFileName)
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal queue meta: %w", err)
	}

	tmp := path + ".tmp"
	if err := func() error {
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return err
		}
		return f.Close()
	}(); err != nil {
		_ = os.Remove(tmp)
		return types.IOError("write", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return types.IOError("rename", path, err)
	}
	if err := syncDir(dir); err != nil {
		return types.IOError("sync dir", dir, err)
	}
	return nil
}

// ReadMeta loads <dir>/queue.meta. A missing file yields an error matching
// os.ErrNotExist.
func ReadMeta(dir string) (Meta, error) {
	path := filepath.Join(dir, MetaFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, types.IOError("read", path, err)
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Meta{}, &types.CorruptionError{Path: path, Reason: fmt.Sprintf("parse queue meta: %v", err)}
	}
	if m.Version != MetaVersion {
		return Meta{}, fmt.Errorf("%w: %s has format version %d, want %d", types.ErrInvalidConfig, path, m.Version, MetaVersion)
	}
	if m.SegmentSize < MinSegmentSize {
		return Meta{}, &types.CorruptionError{Path: path, Reason: fmt.Sprintf("segment size %d below minimum", m.SegmentSize)}
	}
	return m, nil
}
