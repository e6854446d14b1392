package cursor_test

import (
	"path/filepath"
	"testing"

	"github.com/downfa11-org/mmq/pkg/cursor"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	s, err := cursor.Open(path)
	require.NoError(t, err)

	_, ok, err := s.Get("q1", "billing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Commit("q1", "billing", 42))
	require.NoError(t, s.Commit("q1", "audit", 7))
	require.NoError(t, s.Commit("q2", "billing", 100))

	off, ok, err := s.Get("q1", "billing")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), off)

	low, ok, err := s.Min("q1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), low)

	require.NoError(t, s.Delete("q1", "audit"))
	all, err := s.Consumers("q1")
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"billing": 42}, all)
	require.NoError(t, s.Close())

	// survives reopening
	s, err = cursor.Open(path)
	require.NoError(t, err)
	defer s.Close()
	off, ok, err = s.Get("q2", "billing")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(100), off)

	_, ok, err = s.Min("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Commit("", "x", 1), types.ErrInvalidConfig)
}
