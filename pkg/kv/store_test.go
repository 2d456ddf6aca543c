package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreGetPutDelete(t *testing.T) {
	s := NewMemStore()

	var out string
	err := s.Get("missing", &out)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put("k", map[string]any{"a": 1}))

	has, err := s.Has("k")
	require.NoError(t, err)
	assert.True(t, has)

	var got map[string]any
	require.NoError(t, s.Get("k", &got))
	assert.Equal(t, float64(1), got["a"])

	require.NoError(t, s.Delete("k"))
	has, err = s.Has("k")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBoltStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBoltStore(filepath.Join(dir, "fabric.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put("run:1", map[string]any{"status": "pending"}))

	var out map[string]any
	require.NoError(t, db.Get("run:1", &out))
	assert.Equal(t, "pending", out["status"])

	has, err := db.Has("run:1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, db.Delete("run:1"))
	var gone map[string]any
	err = db.Get("run:1", &gone)
	assert.ErrorIs(t, err, ErrNotFound)
}
