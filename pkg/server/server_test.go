package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysys/fabric/pkg/bus"
	"github.com/relaysys/fabric/pkg/router"
)

func TestNewAssemblesInMemoryRuntime(t *testing.T) {
	s, err := New(Config{HTTPAddr: ":0"})
	require.NoError(t, err)

	assert.NotNil(t, s.Bus)
	assert.NotNil(t, s.Router)
	assert.NotNil(t, s.Cron)
	assert.NotNil(t, s.Runs)
	assert.Nil(t, s.Bridge, "bridge should be nil when EnableBridge is false")
}

func TestValidateTopologyFailsOnOrphanEmit(t *testing.T) {
	s, err := New(Config{HTTPAddr: ":0"})
	require.NoError(t, err)

	require.NoError(t, s.Router.Register(router.Route{
		Method: "POST",
		Path:   "/widgets",
		Kind:   router.KindLocal,
		Emits:  []string{"widgets.created"},
		Handler: func(ctx context.Context, req *router.Request, hc *router.HandlerContext) (*router.Result, error) {
			return &router.Result{Status: 201}, nil
		},
	}))

	assert.Error(t, s.ValidateTopology(), "a route that declares Emits with no bus subscriber must fail validation")
}

func TestValidateTopologySucceedsWhenEmitIsSubscribed(t *testing.T) {
	s, err := New(Config{HTTPAddr: ":0"})
	require.NoError(t, err)

	require.NoError(t, s.Router.Register(router.Route{
		Method: "POST",
		Path:   "/widgets",
		Kind:   router.KindLocal,
		Emits:  []string{"widgets.created"},
		Handler: func(ctx context.Context, req *router.Request, hc *router.HandlerContext) (*router.Result, error) {
			return &router.Result{Status: 201}, nil
		},
	}))
	_, err = s.Bus.Subscribe(bus.SubscribeConfig{
		Topics: []string{"widgets.created"},
		Handler: func(ctx context.Context, hc *bus.HandlerContext, data any) error {
			return nil
		},
	})
	require.NoError(t, err)

	assert.NoError(t, s.ValidateTopology())
}

func TestStopPublishesShutdownAndClosesBus(t *testing.T) {
	s, err := New(Config{HTTPAddr: ":0"})
	require.NoError(t, err)

	received := make(chan bool, 1)
	_, err = s.Bus.Subscribe(bus.SubscribeConfig{
		Topics: []string{bus.TopicShutdown},
		Kind:   bus.KindLocal,
		Handler: func(ctx context.Context, hc *bus.HandlerContext, data any) error {
			received <- true
			return nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx, false))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected SYS::SHUTDOWN to reach subscriber before bus closed")
	}
}
