//go:build !unix

package disk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/downfa11-org/mmq/pkg/types"
)

const lockFileName = "writer.lock"

type WriterLock struct {
	file *os.File
}

// AcquireWriterLock falls back to an exclusive create on platforms without flock.
func AcquireWriterLock(dir string) (*WriterLock, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrLocked, dir)
		}
		return nil, types.IOError("open", path, err)
	}
	return &WriterLock{file: f}, nil
}

func (l *WriterLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	name := l.file.Name()
	err := l.file.Close()
	l.file = nil
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	return err
}
