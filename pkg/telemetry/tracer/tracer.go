// Package tracer provides the distributed tracing abstraction shared by the
// router, bus, cron scheduler, and reactive core. Every span name and
// attribute set follows the conventions fixed in spec: "event <topic>" for
// bus deliveries, "<METHOD> <path>" for routed requests, "cron <cronTime>"
// for scheduler ticks, and "reactive <name>" for reactive pipe runs.
package tracer

import "context"

// Tracer starts spans and propagates trace context across subsystem
// boundaries (router -> bridge -> control plane callback, for instance).
type Tracer interface {
	// StartSpan begins a new span, returning it along with a context carrying
	// it. Callers must call Finish on the returned Span.
	StartSpan(ctx context.Context, name string) (Span, context.Context)

	// ExtractTraceInfo reads the active trace id, span id, and trace flags
	// out of ctx, if any span is recording.
	ExtractTraceInfo(ctx context.Context) (traceID, spanID, traceFlags string, ok bool)

	// Close flushes any buffered spans and releases exporter resources.
	Close() error
}

// Span is a single unit of traced work.
type Span interface {
	SetOperationName(name string)
	SetTag(key string, value any)
	RecordError(err error)
	Finish()
}

// Config controls how New builds a Tracer.
type Config struct {
	// Enabled turns tracing on. When false, New returns a NoOp tracer.
	Enabled bool

	// ServiceName identifies this process in exported spans.
	ServiceName string

	// Environment tags the deployment environment (e.g. "production").
	Environment string

	// CollectorAddress is the OTLP gRPC collector endpoint.
	CollectorAddress string

	// Insecure disables TLS on the OTLP exporter connection, for local
	// development against a collector without certificates.
	Insecure bool

	// SampleRatio is the fraction of traces sampled (0..1).
	SampleRatio float64
}

// New builds a Tracer from cfg. It returns a NoOp implementation when
// tracing is disabled; otherwise it builds the OTLP-backed tracer and
// returns any error from constructing its exporter or resource.
func New(cfg Config) (Tracer, error) {
	if !cfg.Enabled {
		return NewNoOp(), nil
	}
	return newOTelTracer(cfg)
}
