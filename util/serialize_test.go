package util_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/downfa11-org/mmq/util"
	"github.com/stretchr/testify/require"
)

func TestWriteReadWithLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, util.WriteWithLength(&buf, []byte("hello")))
	require.NoError(t, util.WriteWithLength(&buf, nil))
	require.Equal(t, 4+5+4, buf.Len())

	got, err := util.ReadWithLength(&buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = util.ReadWithLength(&buf)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = util.ReadWithLength(&buf)
	require.Error(t, err)
}

func TestReadWithLengthRejectsOversize(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], util.MaxFrameSize+1)
	_, err := util.ReadWithLength(bytes.NewReader(hdr[:]))
	require.ErrorContains(t, err, "exceeds maximum")
}

func TestWriteReadWithLimit(t *testing.T) {
	var buf bytes.Buffer
	require.ErrorContains(t, util.WriteWithLimit(&buf, []byte("too long"), 4), "exceeds maximum")
	require.Zero(t, buf.Len(), "nothing is written for a rejected frame")

	require.NoError(t, util.WriteWithLimit(&buf, []byte("fits"), 4))
	_, err := util.ReadWithLimit(bytes.NewReader(buf.Bytes()), 3)
	require.ErrorContains(t, err, "exceeds maximum")
	got, err := util.ReadWithLimit(&buf, 4)
	require.NoError(t, err)
	require.Equal(t, "fits", string(got))
}

func TestReadWithLengthShortBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, util.WriteWithLength(&buf, []byte("truncated")))
	short := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := util.ReadWithLength(short)
	require.ErrorContains(t, err, "read body")
}

func TestChecksum(t *testing.T) {
	require.NotZero(t, util.Checksum(nil))
	require.Equal(t, util.Checksum([]byte("abc")), util.Checksum([]byte("abc")))
	require.NotEqual(t, util.Checksum([]byte("abc")), util.Checksum([]byte("abd")))
}
