// Package cron implements the scheduled-job runtime: cron-expression
// parsing and the single-threaded-per-job tick loop are provided by
// robfig/cron/v3, wrapped with the host's logger, tracer, KV facade, run
// scope, and bus so a tick looks to its handler exactly like a routed
// request. Overlapping ticks of the same job are dropped, using the
// library's own SkipIfStillRunning wrapper.
package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/relaysys/fabric/pkg/bus"
	"github.com/relaysys/fabric/pkg/kv"
	"github.com/relaysys/fabric/pkg/log"
	"github.com/relaysys/fabric/pkg/runscope"
	"github.com/relaysys/fabric/pkg/telemetry/metrics"
	"github.com/relaysys/fabric/pkg/telemetry/tracer"
)

// Result is what a handler returns to request a custom re-arm delay
// instead of the job's configured retry.delayMs.
type Result struct {
	RetryMS int
}

// HandlerContext is what a tick's handler receives.
type HandlerContext struct {
	Logger log.Logger
	KV     *kv.Path
	Run    *runscope.Scope
	Emit   bus.EmitFunc
}

// HandlerFunc is invoked once per attempt within a tick.
type HandlerFunc func(ctx context.Context, now time.Time, hc *HandlerContext) (*Result, error)

// Retry configures a job's failure/re-arm policy. Counters are per-tick,
// never global, per spec's Cron data model.
type Retry struct {
	MaxRetries int
	DelayMS    int
}

// Job describes one scheduled handler.
type Job struct {
	Name     string
	Schedule string
	Location *time.Location
	Retry    Retry
	Handler  HandlerFunc
	Emits    []string
}

// Scheduler owns the registered jobs and their tick loop.
type Scheduler struct {
	logger log.Logger
	tracer tracer.Tracer
	bus    *bus.Bus
	runs   *runscope.Manager

	cr *cronlib.Cron

	mu   sync.Mutex
	jobs map[string]Job
}

// New builds a Scheduler. Call Start to begin firing registered jobs.
func New(logger log.Logger, tr tracer.Tracer, b *bus.Bus, runs *runscope.Manager) *Scheduler {
	l := log.WithComponent(logger, "cron")
	parser := cronlib.NewParser(
		cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
	)
	cr := cronlib.New(
		cronlib.WithParser(parser),
		cronlib.WithLocation(time.UTC),
		cronlib.WithLogger(cronLogAdapter{l}),
	)
	return &Scheduler{
		logger: l,
		tracer: tr,
		bus:    b,
		runs:   runs,
		cr:     cr,
		jobs:   make(map[string]Job),
	}
}

// Add schedules job. Schedule expressions accept an optional leading
// seconds field and an optional "CRON_TZ=<zone>" prefix (applied
// automatically when job.Location is set and the expression doesn't
// already carry one).
func (s *Scheduler) Add(job Job) error {
	if job.Handler == nil {
		return fmt.Errorf("cron: job %q has no handler", job.Name)
	}

	spec := job.Schedule
	if job.Location != nil && !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		spec = fmt.Sprintf("CRON_TZ=%s %s", job.Location.String(), spec)
	}

	chain := cronlib.NewChain(cronlib.SkipIfStillRunning(cronLogAdapter{s.logger}))
	wrapped := chain.Then(cronlib.FuncJob(func() {
		s.runTick(job)
	}))

	if _, err := s.cr.AddJob(spec, wrapped); err != nil {
		return fmt.Errorf("cron: add job %q: %w", job.Name, err)
	}

	s.mu.Lock()
	s.jobs[job.Name] = job
	s.mu.Unlock()
	return nil
}

// Jobs returns a snapshot of every registered job, for topology
// introspection.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Start begins firing registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cr.Start()
}

// Stop halts scheduling new ticks and waits for any in-flight tick to
// finish.
func (s *Scheduler) Stop() error {
	ctx := s.cr.Stop()
	<-ctx.Done()
	return nil
}

func (s *Scheduler) runTick(job Job) {
	timer := metrics.NewTimer()

	scope, err := s.runs.CreateRun()
	if err != nil {
		s.logger.Error("cron: failed to create run scope", err, log.Fields{"job": job.Name})
		return
	}
	defer func() {
		s.runs.Release(scope.ID)
		timer.ObserveSeconds(metrics.CronTickDuration.WithLabelValues(job.Name))
	}()

	span, ctx := s.tracer.StartSpan(context.Background(), "cron "+job.Schedule)
	span.SetTag("cron_schedule", job.Schedule)
	span.SetTag("cron_name", job.Name)
	defer span.Finish()

	hc := &HandlerContext{
		Logger: log.WithRunID(s.logger, scope.ID),
		KV:     s.runs.KVPath(),
		Run:    scope,
		Emit: func(topic string, data any) {
			opts := bus.EmitOptions{Run: scope}
			if tid, sid, flags, ok := s.tracer.ExtractTraceInfo(ctx); ok {
				opts.TraceContext.TraceID = tid
				opts.TraceContext.SpanID = sid
				opts.TraceContext.TraceFlags = flags
			}
			s.bus.Emit(topic, data, opts)
		},
	}

	attempt := 0
	for {
		result, err := job.Handler(ctx, time.Now(), hc)
		if err != nil {
			metrics.CronInvocationsTotal.WithLabelValues(job.Name, "error").Inc()
			if attempt >= job.Retry.MaxRetries {
				span.RecordError(err)
				s.logger.Error("cron: handler failed, retries exhausted", err, log.Fields{"job": job.Name, "attempt": attempt})
				return
			}
			delay := job.Retry.DelayMS
			if delay < 0 {
				delay = 0
			}
			time.Sleep(time.Duration(delay) * time.Millisecond)
			attempt++
			continue
		}

		metrics.CronInvocationsTotal.WithLabelValues(job.Name, "success").Inc()
		if result != nil && result.RetryMS > 0 && attempt < job.Retry.MaxRetries {
			time.Sleep(time.Duration(result.RetryMS) * time.Millisecond)
			attempt++
			continue
		}
		return
	}
}

// cronLogAdapter satisfies robfig/cron's Logger interface on top of our
// structured Logger, so SkipIfStillRunning's drop notices flow through the
// same sink as everything else.
type cronLogAdapter struct {
	l log.Logger
}

func (c cronLogAdapter) Info(msg string, keysAndValues ...any) {
	c.l.Info(msg, fieldsFromPairs(keysAndValues))
}

func (c cronLogAdapter) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, err, fieldsFromPairs(keysAndValues))
}

func fieldsFromPairs(kv []any) log.Fields {
	f := make(log.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}
