package disk_test

import (
	"os"
	"testing"

	"github.com/downfa11-org/mmq/pkg/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	seg, err := disk.CreateSegment(dir, 0, 4096, 0, 0)
	require.NoError(t, err)
	for _, p := range []string{"a", "bb", "ccc"} {
		appendCommit(t, seg, p)
	}
	path := seg.Path()
	require.NoError(t, seg.Close())

	rep, err := disk.Verify(path)
	require.NoError(t, err)
	assert.True(t, rep.Consistent())
	assert.Equal(t, uint64(3), rep.Records)
	assert.Equal(t, uint64(9+10+11), rep.ValidEnd)
	assert.Equal(t, 4096, rep.Size)

	// flip a payload byte of the second frame
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, 64+9+8)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rep, err = disk.Verify(path)
	require.NoError(t, err)
	assert.False(t, rep.Consistent())
	assert.True(t, rep.Invalid)
	assert.Equal(t, uint64(9), rep.InvalidOffset)
	assert.Equal(t, "checksum mismatch", rep.InvalidReason)
	assert.Equal(t, uint64(1), rep.Records)
}
