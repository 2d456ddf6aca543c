package reactive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateGetSet(t *testing.T) {
	s := NewState(map[string]any{"count": 0})

	require.NoError(t, s.Set("count", 5))

	v, err := s.Get("count")
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)
}

func TestStateBatchesMultipleWritesIntoOneNotification(t *testing.T) {
	s := NewState(map[string]any{"a": 0, "b": 0})

	notifications := make(chan struct{}, 10)
	s.Subscribe(func(next, prev map[string]any) {
		notifications <- struct{}{}
	})

	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))
	require.NoError(t, s.Set("a", 3))

	time.Sleep(50 * time.Millisecond)

	assert.Len(t, notifications, 1, "synchronous writes should coalesce into one notification")
}

func TestStateNotificationCarriesDeepClones(t *testing.T) {
	s := NewState(map[string]any{"count": 0})

	done := make(chan struct{})
	var seenNext, seenPrev map[string]any
	s.Subscribe(func(next, prev map[string]any) {
		seenNext = next
		seenPrev = prev
		close(done)
	})

	require.NoError(t, s.Set("count", 9))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}

	assert.Equal(t, float64(0), seenPrev["count"])
	assert.Equal(t, float64(9), seenNext["count"])
}

func TestStateSnapshotIsIndependentCopy(t *testing.T) {
	s := NewState(map[string]any{"nested": map[string]any{"x": 1}})
	snap := s.Snapshot()

	require.NoError(t, s.Set("nested.x", 2))
	time.Sleep(20 * time.Millisecond)

	nested := snap["nested"].(map[string]any)
	assert.Equal(t, float64(1), nested["x"], "snapshot must not observe later mutations")
}
