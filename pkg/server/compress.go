package server

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// CompressMessage gzips msg when enabled.
func CompressMessage(msg []byte, enable bool) ([]byte, error) {
	if !enable {
		return msg, nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(msg); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressMessage reverses CompressMessage.
func DecompressMessage(msg []byte, enable bool) ([]byte, error) {
	if !enable {
		return msg, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(msg))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
