//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

func mmapFile(f *os.File, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
}

func munmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// msyncRange flushes data[from:to] widened to page boundaries.
func msyncRange(data []byte, from, to int) error {
	if to <= from {
		return nil
	}
	start := from &^ (pageSize - 1)
	end := to
	if end > len(data) {
		end = len(data)
	}
	return unix.Msync(data[start:end], unix.MS_SYNC)
}

// syncDir fsyncs a directory so a preceding rename survives a crash.
func syncDir(dir string) error {
	d, err := os.OpenFile(dir, os.O_RDONLY, os.ModeDir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
