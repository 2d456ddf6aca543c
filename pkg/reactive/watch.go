package reactive

import (
	"context"
	"fmt"
	"reflect"

	"github.com/relaysys/fabric/pkg/bus"
	"github.com/relaysys/fabric/pkg/kv"
	"github.com/relaysys/fabric/pkg/log"
	"github.com/relaysys/fabric/pkg/pipeline"
	"github.com/relaysys/fabric/pkg/runscope"
	"github.com/relaysys/fabric/pkg/telemetry/tracer"
)

// HandlerContext is what a watch handler receives on invocation.
type HandlerContext struct {
	Logger log.Logger
	KV     *kv.Path
	Run    *runscope.Scope
	Emit   bus.EmitFunc
}

// Update carries the selected slice before and after a change, plus the
// full root snapshot it was selected from.
type Update struct {
	Next any
	Prev any
	Root map[string]any
}

// HandlerFunc processes one Update.
type HandlerFunc func(ctx context.Context, u Update, hc *HandlerContext) error

// Config describes a watch registration.
type Config struct {
	// Select extracts the slice of root this watch cares about. Required.
	Select func(root map[string]any) any

	// Filter reports whether next should be delivered given prev. Default:
	// deep structural inequality (!reflect.DeepEqual).
	Filter func(next, prev any) bool

	// Pipes transform the envelope stream before dispatch.
	Pipes []pipeline.Operator

	// Strategy selects concurrency handling; default StrategyMerge.
	Strategy pipeline.Strategy

	// Name labels the tracer span ("reactive <name>").
	Name string

	Handler HandlerFunc
}

// Watcher is a live watch registration; call Stop to unsubscribe and halt
// dispatch.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop unsubscribes from the state, cancels the handlers' context, and waits
// for in-flight handlers to return, under every strategy.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

type pair struct {
	root map[string]any
	sel  any
}

// Watch registers cfg against state, invoking cfg.Handler for every change
// that passes cfg.Filter.
func Watch(state *State, cfg Config, logger log.Logger, tr tracer.Tracer, runs *runscope.Manager, b *bus.Bus) (*Watcher, error) {
	if cfg.Select == nil {
		return nil, fmt.Errorf("reactive: watch config requires Select")
	}
	filter := cfg.Filter
	if filter == nil {
		filter = func(next, prev any) bool { return !reflect.DeepEqual(next, prev) }
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = pipeline.StrategyMerge
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{cancel: cancel, done: make(chan struct{})}

	pairs := make(chan pair, 1)
	seed := state.Snapshot()
	pairs <- pair{root: seed, sel: cfg.Select(seed)}

	unsubscribe := state.Subscribe(func(next, prev map[string]any) {
		select {
		case pairs <- pair{root: next, sel: cfg.Select(next)}:
		case <-ctx.Done():
		}
	})

	envelopes := make(chan pipeline.Envelope)
	go func() {
		defer close(envelopes)
		var last *pair
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-pairs:
				if !ok {
					return
				}
				if last != nil && filter(p.sel, last.sel) {
					select {
					case envelopes <- pipeline.Envelope{Data: Update{Next: p.sel, Prev: last.sel, Root: p.root}}:
					case <-ctx.Done():
						return
					}
				}
				lp := p
				last = &lp
			}
		}
	}()

	out := (<-chan pipeline.Envelope)(envelopes)
	if len(cfg.Pipes) > 0 {
		out = pipeline.Compose(cfg.Pipes...)(ctx, envelopes)
	}

	name := cfg.Name
	if name == "" {
		name = "watch"
	}

	go func() {
		defer close(w.done)
		defer unsubscribe()
		pipeline.Run(ctx, strategy, out, func(handlerCtx context.Context, e pipeline.Envelope) {
			dispatch(handlerCtx, name, e.Data.(Update), cfg.Handler, logger, tr, runs, b)
		})
	}()

	return w, nil
}

func dispatch(ctx context.Context, name string, u Update, handler HandlerFunc, logger log.Logger, tr tracer.Tracer, runs *runscope.Manager, b *bus.Bus) {
	if handler == nil {
		return
	}

	scope, err := runs.CreateRun()
	if err != nil {
		logger.Error("reactive: failed to create run scope", err, log.Fields{"watch": name})
		return
	}
	defer runs.Release(scope.ID)

	span, spanCtx := tr.StartSpan(ctx, "reactive "+name)
	defer span.Finish()

	hc := &HandlerContext{
		Logger: log.WithRunID(logger, scope.ID),
		KV:     runs.KVPath(),
		Run:    scope,
		Emit: func(topic string, data any) {
			opts := bus.EmitOptions{Run: scope}
			if tid, sid, flags, ok := tr.ExtractTraceInfo(spanCtx); ok {
				opts.TraceContext.TraceID = tid
				opts.TraceContext.SpanID = sid
				opts.TraceContext.TraceFlags = flags
			}
			b.Emit(topic, data, opts)
		},
	}

	if err := handler(spanCtx, u, hc); err != nil {
		span.RecordError(err)
		logger.Error("reactive: watch handler failed", err, log.Fields{"watch": name})
	}
}
