package cron

import (
	"context"
	"sync/atomic"
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

func newTestScheduler() (*Scheduler, *runscope.Manager) {
	logger := log.New(log.Config{Level: log.ErrorLevel})
	store := kv.NewMemStore()
	runs := runscope.NewManager(store)
	b := bus.New(logger, tracer.NewNoOp(), store, runs, nil)
	return New(logger, tracer.NewNoOp(), b, runs), runs
}

func TestRetryExhaustsAfterMaxRetries(t *testing.T) {
	s, _ := newTestScheduler()

	var attempts int32
	done := make(chan struct{})

	job := Job{
		Name:     "always-fails",
		Schedule: "@every 50ms",
		Retry:    Retry{MaxRetries: 2, DelayMS: 5},
		Handler: func(ctx context.Context, now time.Time, hc *HandlerContext) (*Result, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n == 3 {
				close(done)
			}
			return nil, assertErr{}
		},
	}

	s.runTick(job)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts), "exactly maxRetries+1 invocations should occur")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestHandlerDrivenRetryMSReschedulesWithinTick(t *testing.T) {
	s, _ := newTestScheduler()

	var attempts int32
	job := Job{
		Name:     "custom-retry",
		Schedule: "@every 1h",
		Retry:    Retry{MaxRetries: 3, DelayMS: 1000},
		Handler: func(ctx context.Context, now time.Time, hc *HandlerContext) (*Result, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return &Result{RetryMS: 5}, nil
			}
			return &Result{}, nil
		},
	}

	start := time.Now()
	s.runTick(job)
	elapsed := time.Since(start)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Less(t, elapsed, 500*time.Millisecond, "custom retryMs should be used instead of delayMs")
}

func TestHandlerReceivesRunScopeAndEmit(t *testing.T) {
	s, runs := newTestScheduler()

	var sawRunID string
	job := Job{
		Name:     "observes-run",
		Schedule: "@every 1h",
		Handler: func(ctx context.Context, now time.Time, hc *HandlerContext) (*Result, error) {
			sawRunID = hc.Run.ID
			hc.Emit("cron.ran", map[string]any{"job": "observes-run"})
			return nil, nil
		},
	}

	s.runTick(job)

	require.NotEmpty(t, sawRunID)
	assert.Equal(t, 0, runs.Pending(sawRunID), "run scope is released once the tick completes")
}

func TestAddRejectsNilHandler(t *testing.T) {
	s, _ := newTestScheduler()
	err := s.Add(Job{Name: "no-handler", Schedule: "@every 1h"})
	assert.Error(t, err)
}

func TestAddRegistersJobForIntrospection(t *testing.T) {
	s, _ := newTestScheduler()
	err := s.Add(Job{
		Name:     "introspect-me",
		Schedule: "@every 1h",
		Handler: func(ctx context.Context, now time.Time, hc *HandlerContext) (*Result, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "introspect-me", jobs[0].Name)
}
