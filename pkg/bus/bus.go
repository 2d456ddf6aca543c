// Package bus implements the topic multicast registry every route, cron,
// reactive, and bridge-control-plane emission ultimately flows through.
// Topics are created lazily on first subscribe (an emit to a topic with no
// subscription creates nothing and delivers nothing); delivery within a
// topic to a single subscription preserves publication order, matching the
// FIFO fan-out shape of warren's event Broker, generalized here to carry a
// per-subscription operator pipeline and schema gating instead of a flat
// broadcast channel.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relaysys/fabric/pkg/kv"
	"github.com/relaysys/fabric/pkg/log"
	"github.com/relaysys/fabric/pkg/pipeline"
	"github.com/relaysys/fabric/pkg/runscope"
	"github.com/relaysys/fabric/pkg/schema"
	"github.com/relaysys/fabric/pkg/telemetry/metrics"
	"github.com/relaysys/fabric/pkg/telemetry/tracer"
)

// System topics, excluded from emit/subscribe topology validation.
const (
	TopicShutdown           = "SYS::SHUTDOWN"
	TopicUncaughtException  = "SYS:::UNCAUGHT_EXCEPTION"
	TopicUnhandledRejection = "SYS:::UNHANDLED_REJECTION"
	systemPrefix            = "SYS:"
)

// IsSystemTopic reports whether topic is reserved and therefore excluded
// from topology validation.
func IsSystemTopic(topic string) bool {
	return len(topic) >= len(systemPrefix) && topic[:len(systemPrefix)] == systemPrefix
}

// Kind distinguishes a subscription's handler locality.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// HandlerContext is what a local handler receives on invocation.
type HandlerContext struct {
	Trigger string
	Logger  log.Logger
	KV      *kv.Path
	Run     *runscope.Scope
	Emit    EmitFunc
}

// HandlerFunc is a local subscription's handler.
type HandlerFunc func(ctx context.Context, hc *HandlerContext, data any) error

// RemoteBinding names the Bridge handler/method a remote subscription
// dispatches to.
type RemoteBinding struct {
	HandlerName string
	Method      string
}

// RemoteInvoker is satisfied by the Bridge client; the bus depends only on
// this narrow interface to avoid importing the bridge package.
type RemoteInvoker interface {
	Invoke(ctx context.Context, handlerName, method string, meta map[string]string, input map[string]any) (map[string]any, error)
}

// EmitFunc publishes data onto topic, pre-bound to the emitting handler's
// trace context and run so downstream emissions chain.
type EmitFunc func(topic string, data any)

// EmitOptions controls an individual Emit call.
type EmitOptions struct {
	Run          *runscope.Scope
	TraceContext pipeline.TraceContext
}

// SubscribeConfig describes a new subscription.
type SubscribeConfig struct {
	Topics  []string
	Schema  schema.Schema
	Strict  bool
	Pipes   []pipeline.Operator
	Kind    Kind
	Handler HandlerFunc
	Remote  RemoteBinding
	Emits   []string
	Origin  string
}

// Subscription is a live registration returned by Subscribe.
type Subscription struct {
	ID     string
	cfg    SubscribeConfig
	bus    *Bus
	queue  *subQueue
	cancel context.CancelFunc
	done   chan struct{}
}

// Bus is the topic multicast registry.
type Bus struct {
	logger log.Logger
	tracer tracer.Tracer
	kv     *kv.Path
	runs   *runscope.Manager
	remote RemoteInvoker

	mu     sync.RWMutex
	topics map[string][]*Subscription
	closed bool
}

// New builds a Bus. remote may be nil if no subscription ever declares
// Kind=KindRemote.
func New(logger log.Logger, tr tracer.Tracer, store kv.Store, runs *runscope.Manager, remote RemoteInvoker) *Bus {
	return &Bus{
		logger: log.WithComponent(logger, "bus"),
		tracer: tr,
		kv:     kv.NewPath(store),
		runs:   runs,
		remote: remote,
		topics: make(map[string][]*Subscription),
	}
}

// Subscribe registers cfg.Handler under every topic in cfg.Topics.
func (b *Bus) Subscribe(cfg SubscribeConfig) (*Subscription, error) {
	if cfg.Strict && cfg.Schema.IsZero() {
		return nil, fmt.Errorf("bus: strict subscription on %v requires a schema", cfg.Topics)
	}
	if cfg.Origin == "" {
		cfg.Origin = "event:" + strings.Join(cfg.Topics, ",")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus: closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:     uuid.NewString(),
		cfg:    cfg,
		bus:    b,
		queue:  newSubQueue(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, topic := range cfg.Topics {
		b.topics[topic] = append(b.topics[topic], sub)
	}
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// Emit publishes data to every subscription registered on topic. It is a
// no-op if topic has no subscribers.
func (b *Bus) Emit(topic string, data any, opts EmitOptions) {
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.topics[topic]...)
	closed := b.closed
	b.mu.RUnlock()

	if closed || len(subs) == 0 {
		return
	}

	metrics.EventsEmittedTotal.WithLabelValues(topic).Inc()

	env := pipeline.Envelope{Data: data, Topic: topic, TraceContext: opts.TraceContext}
	if opts.Run != nil {
		env.RunID = opts.Run.ID
	}

	// Retain once per queued delivery here, synchronously, so the run
	// cannot be released out from under a delivery still sitting in its
	// subscription's queue; each dispatch releases its own retain once its
	// handler settles (spec §4.1 steps 1 and 6).
	for _, sub := range subs {
		if opts.Run != nil {
			b.runs.Retain(opts.Run.ID)
		}
		sub.queue.push(env)
	}
}

// Close completes every subscription's stream: queued envelopes still
// drain, in-flight handlers finish, but no further emissions are accepted.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	seen := make(map[string]bool)
	for _, subs := range b.topics {
		for _, s := range subs {
			if !seen[s.ID] {
				seen[s.ID] = true
				all = append(all, s)
			}
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.queue.close()
	}
	for _, s := range all {
		<-s.done
	}
	return nil
}

// Info describes a live subscription for topology introspection.
type Info struct {
	ID     string
	Topics []string
	Emits  []string
	Origin string
	Kind   Kind
}

// Subscriptions returns a snapshot of every live subscription.
func (b *Bus) Subscriptions() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Info
	for _, subs := range b.topics {
		for _, s := range subs {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			out = append(out, Info{ID: s.ID, Topics: s.cfg.Topics, Emits: s.cfg.Emits, Origin: s.cfg.Origin, Kind: s.cfg.Kind})
		}
	}
	return out
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	src := make(chan pipeline.Envelope)
	go func() {
		defer close(src)
		for {
			e, ok := s.queue.pop()
			if !ok {
				return
			}
			select {
			case src <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	out := (<-chan pipeline.Envelope)(src)
	if len(s.cfg.Pipes) > 0 {
		out = pipeline.Compose(s.cfg.Pipes...)(ctx, src)
	}

	for e := range out {
		s.dispatch(ctx, e)
	}
}

func (s *Subscription) dispatch(ctx context.Context, e pipeline.Envelope) {
	b := s.bus

	var run *runscope.Scope
	if e.RunID != "" {
		run = b.runs.Get(e.RunID)
	}
	defer func() {
		if run != nil {
			b.runs.Release(run.ID)
		}
	}()

	topic := e.Topic

	span, spanCtx := b.tracer.StartSpan(ctx, "event "+topic)
	span.SetTag("topic", topic)
	span.SetTag("declared_subscriptions", len(s.cfg.Topics))
	defer span.Finish()

	data := e.Data
	if !s.cfg.Schema.IsZero() {
		validated, err := s.cfg.Schema.Validate(e.Data)
		if err != nil {
			if s.cfg.Strict {
				metrics.EventsDeliveredTotal.WithLabelValues(topic, "dropped").Inc()
				b.logger.Error("event failed strict schema validation, dropping", err, log.Fields{"topic": topic})
				return
			}
			b.logger.Warn("event failed schema validation, passing through", log.Fields{"topic": topic, "error": err.Error()})
		} else {
			data = validated
		}
	}

	var err error
	if s.cfg.Kind == KindRemote {
		err = s.dispatchRemote(spanCtx, topic, data, run)
	} else {
		err = s.dispatchLocal(spanCtx, topic, data, run)
	}

	if err != nil {
		span.RecordError(err)
		metrics.EventsDeliveredTotal.WithLabelValues(topic, "error").Inc()
		b.logger.Error("event handler failed", err, log.Fields{"topic": topic})
		return
	}
	metrics.EventsDeliveredTotal.WithLabelValues(topic, "ok").Inc()
}

func (s *Subscription) dispatchLocal(ctx context.Context, topic string, data any, run *runscope.Scope) error {
	if s.cfg.Handler == nil {
		return nil
	}
	b := s.bus
	hc := &HandlerContext{
		Trigger: topic,
		Logger:  b.logger,
		KV:      b.kv,
		Run:     run,
		Emit: func(emitTopic string, emitData any) {
			opts := EmitOptions{Run: run}
			if tid, sid, flags, ok := b.tracer.ExtractTraceInfo(ctx); ok {
				opts.TraceContext = pipeline.TraceContext{TraceID: tid, SpanID: sid, TraceFlags: flags}
			}
			b.Emit(emitTopic, emitData, opts)
		},
	}
	return s.cfg.Handler(ctx, hc, data)
}

func (s *Subscription) dispatchRemote(ctx context.Context, topic string, data any, run *runscope.Scope) error {
	b := s.bus
	if b.remote == nil {
		return fmt.Errorf("bus: subscription on %s is remote but no invoker is configured", topic)
	}

	meta := map[string]string{}
	if tid, sid, flags, ok := b.tracer.ExtractTraceInfo(ctx); ok {
		meta["trace_id"] = tid
		meta["span_id"] = sid
		meta["trace_flags"] = flags
	}

	runID := ""
	if run != nil {
		runID = run.ID
	}

	input := map[string]any{"topic": topic, "payload": data, "runId": runID}
	_, err := b.remote.Invoke(ctx, s.cfg.Remote.HandlerName, "event", meta, input)
	return err
}
