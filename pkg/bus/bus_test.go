package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysys/fabric/pkg/kv"
	"github.com/relaysys/fabric/pkg/log"
	"github.com/relaysys/fabric/pkg/runscope"
	"github.com/relaysys/fabric/pkg/schema"
	"github.com/relaysys/fabric/pkg/telemetry/tracer"
)

func newTestBus() (*Bus, *runscope.Manager) {
	logger := log.New(log.Config{Level: log.ErrorLevel})
	store := kv.NewMemStore()
	runs := runscope.NewManager(store)
	return New(logger, tracer.NewNoOp(), store, runs, nil), runs
}

func TestEmitWithNoSubscribersIsNoop(t *testing.T) {
	b, _ := newTestBus()
	assert.NotPanics(t, func() {
		b.Emit("no.one.listening", map[string]any{"x": 1}, EmitOptions{})
	})
}

func TestSubscribeReceivesEmittedData(t *testing.T) {
	b, _ := newTestBus()

	received := make(chan any, 1)
	_, err := b.Subscribe(SubscribeConfig{
		Topics: []string{"research.start"},
		Handler: func(ctx context.Context, hc *HandlerContext, data any) error {
			received <- data
			return nil
		},
	})
	require.NoError(t, err)

	b.Emit("research.start", map[string]any{"topic": "research.start"}, EmitOptions{})

	select {
	case data := <-received:
		assert.Equal(t, map[string]any{"topic": "research.start"}, data)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestDeliveryOrderWithinTopicMatchesPublicationOrder(t *testing.T) {
	b, _ := newTestBus()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 5)

	_, err := b.Subscribe(SubscribeConfig{
		Topics: []string{"seq"},
		Handler: func(ctx context.Context, hc *HandlerContext, data any) error {
			mu.Lock()
			order = append(order, data.(int))
			mu.Unlock()
			done <- struct{}{}
			return nil
		},
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Emit("seq", i, EmitOptions{})
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

type strictPayload struct {
	Topic string `json:"topic" validate:"required"`
}

func TestStrictSchemaDropsInvalidPayload(t *testing.T) {
	b, _ := newTestBus()

	var called int32
	done := make(chan struct{}, 1)
	_, err := b.Subscribe(SubscribeConfig{
		Topics: []string{"research.start"},
		Strict: true,
		Schema: schema.New("research.start", strictPayload{}),
		Handler: func(ctx context.Context, hc *HandlerContext, data any) error {
			called = 1
			return nil
		},
	})
	require.NoError(t, err)

	// emit a payload missing the required "topic" field
	b.Emit("research.start", map[string]any{}, EmitOptions{})

	// and a follow-up valid emission must still be delivered: the bus stays
	// healthy after a strict rejection.
	_, err2 := b.Subscribe(SubscribeConfig{
		Topics: []string{"research.start.valid"},
		Handler: func(ctx context.Context, hc *HandlerContext, data any) error {
			done <- struct{}{}
			return nil
		},
	})
	require.NoError(t, err2)
	b.Emit("research.start.valid", map[string]any{"topic": "x"}, EmitOptions{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bus did not remain healthy after strict rejection")
	}
	assert.Equal(t, int32(0), called)
}

func TestRunRetainedAcrossEmissionAndReleasedAfterHandler(t *testing.T) {
	b, runs := newTestBus()

	scope, err := runs.CreateRun()
	require.NoError(t, err)
	require.NoError(t, scope.Set("request.id", scope.ID))

	done := make(chan struct{})
	_, err = b.Subscribe(SubscribeConfig{
		Topics: []string{"audit::run"},
		Handler: func(ctx context.Context, hc *HandlerContext, data any) error {
			v, getErr := hc.Run.Get("request.id")
			require.NoError(t, getErr)
			assert.Equal(t, scope.ID, v)
			close(done)
			return nil
		},
	})
	require.NoError(t, err)

	b.Emit("audit::run", nil, EmitOptions{Run: scope})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never observed the run")
	}

	// simulate the route's own completion releasing its initial retain
	require.NoError(t, runs.Release(scope.ID))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, runs.Pending(scope.ID))
}

func TestDispatchReportsTheTopicThatTriggeredIt(t *testing.T) {
	b, _ := newTestBus()

	triggers := make(chan string, 2)
	_, err := b.Subscribe(SubscribeConfig{
		Topics: []string{"a", "b"},
		Handler: func(ctx context.Context, hc *HandlerContext, data any) error {
			triggers <- hc.Trigger
			return nil
		},
	})
	require.NoError(t, err)

	b.Emit("b", nil, EmitOptions{})
	b.Emit("a", nil, EmitOptions{})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case trigger := <-triggers:
			got[trigger] = true
		case <-time.After(time.Second):
			t.Fatal("handler was not invoked for both topics")
		}
	}
	assert.True(t, got["a"] && got["b"], "expected deliveries tagged with the topic that actually triggered them, got %v", got)
}

func TestCloseWaitsForInFlightAndStopsDelivery(t *testing.T) {
	b, _ := newTestBus()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished int32

	_, err := b.Subscribe(SubscribeConfig{
		Topics: []string{"slow"},
		Handler: func(ctx context.Context, hc *HandlerContext, data any) error {
			close(started)
			<-release
			finished = 1
			return nil
		},
	})
	require.NoError(t, err)

	b.Emit("slow", nil, EmitOptions{})
	<-started

	closeDone := make(chan struct{})
	go func() {
		require.NoError(t, b.Close())
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned before the in-flight handler finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-closeDone
	assert.Equal(t, int32(1), finished)
}
