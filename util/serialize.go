package util

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MaxFrameSize bounds a single length-prefixed message on the wire.
const MaxFrameSize = 64 * 1024 * 1024

// WriteWithLength writes data with a 4-byte length prefix in a single write.
func WriteWithLength(w io.Writer, data []byte) error {
	return WriteWithLimit(w, data, MaxFrameSize)
}

// WriteWithLimit is WriteWithLength for frames up to limit bytes.
func WriteWithLimit(w io.Writer, data []byte, limit uint64) error {
	if uint64(len(data)) > limit || uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), limit)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadWithLength reads data with a 4-byte length prefix.
func ReadWithLength(r io.Reader) ([]byte, error) {
	return ReadWithLimit(r, MaxFrameSize)
}

// ReadWithLimit is ReadWithLength for frames up to limit bytes.
func ReadWithLimit(r io.Reader, limit uint64) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if uint64(length) > limit {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", length, limit)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return buf, nil
}
