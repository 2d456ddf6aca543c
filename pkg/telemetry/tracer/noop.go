package tracer

import "context"

type noOpTracer struct{}

type noOpSpan struct{}

var _ Tracer = noOpTracer{}
var _ Span = noOpSpan{}

// NewNoOp returns a Tracer that discards every span, used when tracing is
// disabled or as the zero-value tracer in tests.
func NewNoOp() Tracer {
	return noOpTracer{}
}

func (noOpTracer) StartSpan(ctx context.Context, name string) (Span, context.Context) {
	return noOpSpan{}, ctx
}

func (noOpTracer) ExtractTraceInfo(ctx context.Context) (traceID, spanID, traceFlags string, ok bool) {
	return "", "", "", false
}

func (noOpTracer) Close() error { return nil }

func (noOpSpan) SetOperationName(name string)  {}
func (noOpSpan) SetTag(key string, value any)  {}
func (noOpSpan) RecordError(err error)         {}
func (noOpSpan) Finish()                       {}
