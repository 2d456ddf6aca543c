package reactive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysys/fabric/pkg/bus"
	"github.com/relaysys/fabric/pkg/kv"
	"github.com/relaysys/fabric/pkg/log"
	"github.com/relaysys/fabric/pkg/runscope"
	"github.com/relaysys/fabric/pkg/telemetry/tracer"
)

func newTestDeps() (log.Logger, tracer.Tracer, *runscope.Manager, *bus.Bus) {
	logger := log.New(log.Config{Level: log.ErrorLevel})
	store := kv.NewMemStore()
	runs := runscope.NewManager(store)
	b := bus.New(logger, tracer.NewNoOp(), store, runs, nil)
	return logger, tracer.NewNoOp(), runs, b
}

func TestWatchDeliversOnChange(t *testing.T) {
	logger, tr, runs, b := newTestDeps()
	s := NewState(map[string]any{"count": 0})

	updates := make(chan Update, 10)
	w, err := Watch(s, Config{
		Name:   "counter",
		Select: func(root map[string]any) any { return root["count"] },
		Handler: func(ctx context.Context, u Update, hc *HandlerContext) error {
			updates <- u
			return nil
		},
	}, logger, tr, runs, b)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, s.Set("count", 1))

	select {
	case u := <-updates:
		assert.Equal(t, float64(1), u.Next)
		assert.Equal(t, float64(0), u.Prev)
	case <-time.After(time.Second):
		t.Fatal("watch never fired")
	}
}

func TestWatchSkipsUnchangedSelection(t *testing.T) {
	logger, tr, runs, b := newTestDeps()
	s := NewState(map[string]any{"count": 0, "other": 0})

	var fired int
	done := make(chan struct{})
	w, err := Watch(s, Config{
		Name:   "counter",
		Select: func(root map[string]any) any { return root["count"] },
		Handler: func(ctx context.Context, u Update, hc *HandlerContext) error {
			fired++
			close(done)
			return nil
		},
	}, logger, tr, runs, b)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, s.Set("other", 1)) // count unchanged, watch shouldn't fire
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fired)

	require.NoError(t, s.Set("count", 1))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch never fired on actual change")
	}
	assert.Equal(t, 1, fired)
}

func TestWatchHandlerGetsFreshRunScope(t *testing.T) {
	logger, tr, runs, b := newTestDeps()
	s := NewState(map[string]any{"count": 0})

	done := make(chan struct{})
	w, err := Watch(s, Config{
		Select: func(root map[string]any) any { return root["count"] },
		Handler: func(ctx context.Context, u Update, hc *HandlerContext) error {
			require.NotNil(t, hc.Run)
			require.NotEmpty(t, hc.Run.ID)
			close(done)
			return nil
		},
	}, logger, tr, runs, b)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, s.Set("count", 1))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}
