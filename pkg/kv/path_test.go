package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathGetNoSegmentsReturnsRootUntouched(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Put("run:1", []any{"a", "b"}))

	p := NewPath(store)
	v, err := p.Get("run:1")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)
}

func TestPathSetCreatesIntermediateObjects(t *testing.T) {
	p := NewPath(NewMemStore())

	require.NoError(t, p.Set("run:1.meta.user.name", "ada"))

	v, err := p.Get("run:1.meta.user.name")
	require.NoError(t, err)
	assert.Equal(t, "ada", v)

	has, err := p.Has("run:1.meta.user")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPathGetMissingSegmentNotFound(t *testing.T) {
	p := NewPath(NewMemStore())
	require.NoError(t, p.Set("run:1.a", 1))

	_, err := p.Get("run:1.b.c")
	assert.ErrorIs(t, err, ErrNotFound)

	has, err := p.Has("run:1.b.c")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPathDeleteRemovesEmptyRoot(t *testing.T) {
	p := NewPath(NewMemStore())
	require.NoError(t, p.Set("run:1.only", "x"))

	require.NoError(t, p.Delete("run:1.only"))

	has, err := p.Has("run:1")
	require.NoError(t, err)
	assert.False(t, has, "root should be removed once its last key is deleted")
}

func TestPathDeleteKeepsNonEmptyRoot(t *testing.T) {
	p := NewPath(NewMemStore())
	require.NoError(t, p.Set("run:1.a", 1))
	require.NoError(t, p.Set("run:1.b", 2))

	require.NoError(t, p.Delete("run:1.a"))

	has, err := p.Has("run:1")
	require.NoError(t, err)
	assert.True(t, has)

	_, err = p.Get("run:1.a")
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := p.Get("run:1.b")
	require.NoError(t, err)
	assert.Equal(t, float64(2), v, "values round-trip through JSON marshaling in the store")
}

func TestPathDeleteWholeRootNoSegments(t *testing.T) {
	p := NewPath(NewMemStore())
	require.NoError(t, p.Set("run:1.a", 1))

	require.NoError(t, p.Delete("run:1"))

	has, err := p.Has("run:1")
	require.NoError(t, err)
	assert.False(t, has)
}
