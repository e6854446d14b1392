package disk_test

import (
	"os"
	"testing"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RemoveSegment(t *testing.T) {
	dir := t.TempDir()
	st := newStore(t, dir, 4096)
	defer st.Close()

	segs, err := st.Recover()
	require.NoError(t, err)
	active := segs[0]
	appendCommit(t, active, "old")

	err = st.RemoveSegment(active)
	assert.ErrorIs(t, err, types.ErrInvalidConfig, "active segment cannot be removed")

	require.NoError(t, active.Seal())
	next, err := st.CreateSegment(1, active.Committed(), 1)
	require.NoError(t, err)
	defer next.Close()

	path := active.Path()
	require.NoError(t, st.RemoveSegment(active))
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".deleted")

	idxs, err := st.SegmentIndexes()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, idxs)
}

func TestStore_SegmentIndexesCleansLeftovers(t *testing.T) {
	dir := t.TempDir()
	st := newStore(t, dir, 4096)
	defer st.Close()

	leftover := st.SegmentPath(4) + ".deleted"
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(st.SegmentPath(9)+".initializing", []byte("x"), 0o644))

	idxs, err := st.SegmentIndexes()
	require.NoError(t, err)
	assert.Empty(t, idxs)
	assert.NoFileExists(t, leftover)
}
