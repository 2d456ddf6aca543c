package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type startPayload struct {
	Topic string `json:"topic" validate:"required"`
	Count int    `json:"count" validate:"gte=0"`
}

func TestSchemaValidateSuccess(t *testing.T) {
	s := New("research.start", startPayload{})

	out, err := s.Validate(map[string]any{"topic": "research.start", "count": 3})
	require.NoError(t, err)

	p, ok := out.(*startPayload)
	require.True(t, ok)
	assert.Equal(t, "research.start", p.Topic)
	assert.Equal(t, 3, p.Count)
}

func TestSchemaValidateFailure(t *testing.T) {
	s := New("research.start", startPayload{})

	_, err := s.Validate(map[string]any{"count": -1})
	require.Error(t, err)

	ve, ok := err.(*Error)
	require.True(t, ok)
	assert.NotEmpty(t, ve.Errors)
}

func TestSchemaValidateWrongType(t *testing.T) {
	s := New("research.start", startPayload{})

	// topic must decode as a string; an integer is rejected rather than
	// coerced to "123".
	_, err := s.Validate(map[string]any{"topic": 123})
	require.Error(t, err)
}

func TestByStatusResolve(t *testing.T) {
	okSchema := New("ok", startPayload{})
	b := ByStatus{Status: map[int]Schema{200: okSchema}}

	s, found := b.Resolve(200)
	assert.True(t, found)
	assert.Equal(t, "ok", s.Name())

	_, found = b.Resolve(404)
	assert.False(t, found)
}

func TestByStatusResolveGlobalFallback(t *testing.T) {
	global := New("global", startPayload{})
	b := ByStatus{Global: global}

	s, found := b.Resolve(500)
	assert.True(t, found)
	assert.Equal(t, "global", s.Name())
}

func TestSchemaIsZero(t *testing.T) {
	var s Schema
	assert.True(t, s.IsZero())

	s = New("x", startPayload{})
	assert.False(t, s.IsZero())
}
