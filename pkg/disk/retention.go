package disk

import (
	"fmt"
	"os"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
)

const deletedExt = ".deleted"

// RemoveSegment unmaps seg, marks its file deleted and removes it. The caller
// must already have dropped seg from every reader-visible segment set.
func (s *Store) RemoveSegment(seg *Segment) error {
	if !s.writable {
		return types.ErrNotWritable
	}
	if !seg.Sealed() {
		return fmt.Errorf("%w: segment %s is not sealed", types.ErrInvalidConfig, seg.Path())
	}
	path := seg.Path()
	if err := seg.Close(); err != nil {
		return err
	}
	deleted, err := markAsDeleted(path)
	if err != nil {
		return types.IOError("rename", path, err)
	}
	util.Debug("Retention: marked as deleted %s", path)
	if err := os.Remove(deleted); err != nil {
		return types.IOError("remove", deleted, err)
	}
	if err := syncDir(s.dir); err != nil {
		return types.IOError("sync dir", s.dir, err)
	}
	return nil
}

func markAsDeleted(path string) (string, error) {
	deleted := path + deletedExt
	if err := os.Rename(path, deleted); err != nil {
		return "", err
	}
	return deleted, nil
}
