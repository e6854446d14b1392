//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequential hints the kernel that segment pages are consumed front to back.
func adviseSequential(f *os.File, data []byte) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
}
