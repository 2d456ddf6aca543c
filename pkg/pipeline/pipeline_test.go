package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func feed(values ...Envelope) <-chan Envelope {
	out := make(chan Envelope, len(values))
	for _, v := range values {
		out <- v
	}
	close(out)
	return out
}

func drain(ch <-chan Envelope) []Envelope {
	var got []Envelope
	for e := range ch {
		got = append(got, e)
	}
	return got
}

func TestMapTransformsEveryEnvelope(t *testing.T) {
	ctx := context.Background()
	in := feed(Envelope{Data: 1}, Envelope{Data: 2}, Envelope{Data: 3})

	op := Map(func(e Envelope) Envelope {
		e.Data = e.Data.(int) * 10
		return e
	})
	got := drain(op(ctx, in))

	assert.Len(t, got, 3)
	assert.Equal(t, 10, got[0].Data)
	assert.Equal(t, 30, got[2].Data)
}

func TestFilterDropsNonMatching(t *testing.T) {
	ctx := context.Background()
	in := feed(Envelope{Data: 1}, Envelope{Data: 2}, Envelope{Data: 3}, Envelope{Data: 4})

	op := Filter(func(e Envelope) bool { return e.Data.(int)%2 == 0 })
	got := drain(op(ctx, in))

	assert.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Data)
	assert.Equal(t, 4, got[1].Data)
}

func TestComposeChainsOperators(t *testing.T) {
	ctx := context.Background()
	in := feed(Envelope{Data: 1}, Envelope{Data: 2}, Envelope{Data: 3}, Envelope{Data: 4})

	op := Compose(
		Filter(func(e Envelope) bool { return e.Data.(int)%2 == 0 }),
		Map(func(e Envelope) Envelope { e.Data = e.Data.(int) * 100; return e }),
	)
	got := drain(op(ctx, in))

	assert.Len(t, got, 2)
	assert.Equal(t, 200, got[0].Data)
	assert.Equal(t, 400, got[1].Data)
}

func TestRunConcatIsSequential(t *testing.T) {
	ctx := context.Background()
	in := feed(Envelope{Data: 1}, Envelope{Data: 2}, Envelope{Data: 3})

	var mu sync.Mutex
	var order []int
	Run(ctx, StrategyConcat, in, func(ctx context.Context, e Envelope) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, e.Data.(int))
		mu.Unlock()
	})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRunMergeDispatchesEveryEnvelope(t *testing.T) {
	ctx := context.Background()
	in := feed(Envelope{Data: 1}, Envelope{Data: 2}, Envelope{Data: 3})

	var count int32
	Run(ctx, StrategyMerge, in, func(ctx context.Context, e Envelope) {
		atomic.AddInt32(&count, 1)
	})

	assert.Equal(t, int32(3), count)
}

func TestRunExhaustDropsWhileBusy(t *testing.T) {
	ctx := context.Background()
	in := make(chan Envelope)

	var started int32
	release := make(chan struct{})
	go func() {
		Run(ctx, StrategyExhaust, in, func(ctx context.Context, e Envelope) {
			atomic.AddInt32(&started, 1)
			<-release
		})
	}()

	in <- Envelope{Data: 1}
	time.Sleep(10 * time.Millisecond) // let the first invocation claim busy
	in <- Envelope{Data: 2}           // dropped: handler still running
	time.Sleep(10 * time.Millisecond)
	close(release)
	close(in)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&started))
}

func TestRunSwitchCancelsPrevious(t *testing.T) {
	ctx := context.Background()
	in := make(chan Envelope)

	var canceled int32
	done := make(chan struct{})
	go func() {
		Run(ctx, StrategySwitch, in, func(ctx context.Context, e Envelope) {
			if e.Data.(int) == 1 {
				<-ctx.Done()
				atomic.AddInt32(&canceled, 1)
			}
		})
		close(done)
	}()

	in <- Envelope{Data: 1}
	time.Sleep(5 * time.Millisecond)
	in <- Envelope{Data: 2}
	time.Sleep(5 * time.Millisecond)
	close(in)
	<-done

	assert.Equal(t, int32(1), atomic.LoadInt32(&canceled))
}
