package disk_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/mmq/pkg/disk"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeta_WriteRead(t *testing.T) {
	dir := t.TempDir()
	m := disk.NewMeta(1<<20, 1<<30, 10)
	require.NoError(t, disk.WriteMeta(dir, m))

	got, err := disk.ReadMeta(dir)
	require.NoError(t, err)
	assert.Equal(t, m.QueueID, got.QueueID)
	assert.Equal(t, uint64(1<<20), got.SegmentSize)
	assert.Equal(t, uint64(1<<30), got.MaxBytes)
	assert.Equal(t, uint64(10), got.BaseSequence)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
}

func TestMeta_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := disk.ReadMeta(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(dir, disk.MetaFileName)
	require.NoError(t, os.WriteFile(path, []byte("version: 9\nsegment_size: 4096\n"), 0o644))
	_, err = disk.ReadMeta(dir)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	require.NoError(t, os.WriteFile(path, []byte("version: [\n"), 0o644))
	_, err = disk.ReadMeta(dir)
	assert.ErrorIs(t, err, types.ErrCorruption)
}
