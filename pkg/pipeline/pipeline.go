// Package pipeline implements the operator pipelines interposed between Bus
// publication and handler invocation, and the four concurrency strategies
// the reactive core's watch() subscribes its final observable under.
package pipeline

import (
	"context"
	"sync"
)

// TraceContext links a span across an in-process or RPC boundary. It
// establishes link relationships, not parent/child, per spec.
type TraceContext struct {
	TraceID    string
	SpanID     string
	TraceFlags string
}

// Envelope is the unit that flows through a subscription's operator
// pipeline before reaching its handler.
type Envelope struct {
	Data         any
	Topic        string
	RunID        string
	TraceContext TraceContext
}

// Operator transforms or filters a stream of envelopes. Bus subscriptions
// compose a chain of operators before the handler; each operator owns the
// channel it returns and must close it once in is drained (or ctx is done).
type Operator func(ctx context.Context, in <-chan Envelope) <-chan Envelope

// Compose chains operators left to right: Compose(a,b,c)(ctx,in) equals
// c(ctx, b(ctx, a(ctx, in))).
func Compose(ops ...Operator) Operator {
	return func(ctx context.Context, in <-chan Envelope) <-chan Envelope {
		out := in
		for _, op := range ops {
			out = op(ctx, out)
		}
		return out
	}
}

// Map applies fn to every envelope that passes through.
func Map(fn func(Envelope) Envelope) Operator {
	return func(ctx context.Context, in <-chan Envelope) <-chan Envelope {
		out := make(chan Envelope)
		go func() {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-in:
					if !ok {
						return
					}
					select {
					case out <- fn(e):
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out
	}
}

// Filter drops envelopes for which pred returns false.
func Filter(pred func(Envelope) bool) Operator {
	return func(ctx context.Context, in <-chan Envelope) <-chan Envelope {
		out := make(chan Envelope)
		go func() {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-in:
					if !ok {
						return
					}
					if !pred(e) {
						continue
					}
					select {
					case out <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out
	}
}

// Strategy selects how concurrently-arriving envelopes are dispatched to a
// handler (spec §4.8's merge/concat/switch/exhaust).
type Strategy string

const (
	// StrategyMerge runs every handler invocation concurrently. Default.
	StrategyMerge Strategy = "merge"
	// StrategyConcat queues invocations FIFO, one at a time.
	StrategyConcat Strategy = "concat"
	// StrategySwitch cancels an in-flight invocation when a new envelope
	// arrives.
	StrategySwitch Strategy = "switch"
	// StrategyExhaust drops a new envelope while an invocation is running.
	StrategyExhaust Strategy = "exhaust"
)

// Handler processes a single envelope. Under StrategySwitch, ctx is
// canceled if superseded by a later envelope; handlers should check it.
type Handler func(ctx context.Context, e Envelope)

// Run drains in according to strategy, dispatching each envelope to
// handler, and returns once in is closed and every dispatched invocation
// has completed.
func Run(ctx context.Context, strategy Strategy, in <-chan Envelope, handler Handler) {
	switch strategy {
	case StrategyConcat:
		runConcat(ctx, in, handler)
	case StrategySwitch:
		runSwitch(ctx, in, handler)
	case StrategyExhaust:
		runExhaust(ctx, in, handler)
	default:
		runMerge(ctx, in, handler)
	}
}

func runMerge(ctx context.Context, in <-chan Envelope, handler Handler) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case e, ok := <-in:
			if !ok {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(e Envelope) {
				defer wg.Done()
				handler(ctx, e)
			}(e)
		}
	}
}

func runConcat(ctx context.Context, in <-chan Envelope, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			handler(ctx, e)
		}
	}
}

func runSwitch(ctx context.Context, in <-chan Envelope, handler Handler) {
	var wg sync.WaitGroup
	var cancelPrev context.CancelFunc
	defer func() {
		if cancelPrev != nil {
			cancelPrev()
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			if cancelPrev != nil {
				cancelPrev()
			}
			childCtx, cancel := context.WithCancel(ctx)
			cancelPrev = cancel
			wg.Add(1)
			go func(e Envelope, childCtx context.Context) {
				defer wg.Done()
				handler(childCtx, e)
			}(e, childCtx)
		}
	}
}

func runExhaust(ctx context.Context, in <-chan Envelope, handler Handler) {
	busy := make(chan struct{}, 1)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case e, ok := <-in:
			if !ok {
				wg.Wait()
				return
			}
			select {
			case busy <- struct{}{}:
				wg.Add(1)
				go func(e Envelope) {
					defer wg.Done()
					defer func() { <-busy }()
					handler(ctx, e)
				}(e)
			default:
				// drop: a handler is already running
			}
		}
	}
}
