//go:build !unix

package disk

import (
	"errors"
	"os"
)

var pageSize = os.Getpagesize()

var errUnsupported = errors.New("memory-mapped segments are not supported on this platform")

func mmapFile(f *os.File, size int, writable bool) ([]byte, error) {
	return nil, errUnsupported
}

func munmap(b []byte) error { return nil }

func msyncRange(data []byte, from, to int) error { return errUnsupported }

func syncDir(dir string) error { return nil }
