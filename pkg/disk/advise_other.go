//go:build !linux

package disk

import "os"

func adviseSequential(f *os.File, data []byte) {}
