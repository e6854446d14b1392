//go:build unix

package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/downfa11-org/mmq/pkg/types"
	"golang.org/x/sys/unix"
)

const lockFileName = "writer.lock"

// WriterLock is the exclusive advisory lock held by the writer handle of a queue directory.
type WriterLock struct {
	file *os.File
}

// AcquireWriterLock takes a non-blocking exclusive flock on <dir>/writer.lock.
// A second handle, in this or another process, gets ErrLocked.
func AcquireWriterLock(dir string) (*WriterLock, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, types.IOError("open", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", types.ErrLocked, dir)
		}
		return nil, types.IOError("flock", path, err)
	}

	// the pid is informational only
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &WriterLock{file: f}, nil
}

func (l *WriterLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
