package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

type otelTracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

type otelSpan struct {
	span trace.Span
}

var _ Tracer = (*otelTracer)(nil)
var _ Span = (*otelSpan)(nil)

func newOTelTracer(cfg Config) (Tracer, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.CollectorAddress)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracer: create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracer: build resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &otelTracer{provider: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

func (t *otelTracer) StartSpan(ctx context.Context, name string) (Span, context.Context) {
	ctx, span := t.tracer.Start(ctx, name)
	return &otelSpan{span: span}, ctx
}

func (t *otelTracer) ExtractTraceInfo(ctx context.Context) (traceID, spanID, traceFlags string, ok bool) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return "", "", "", false
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return "", "", "", false
	}
	return sc.TraceID().String(), sc.SpanID().String(), sc.TraceFlags().String(), true
}

func (t *otelTracer) Close() error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(context.Background())
}

func (s *otelSpan) SetOperationName(name string) {
	s.span.SetName(name)
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) Finish() {
	s.span.End()
}

func (s *otelSpan) SetTag(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}
