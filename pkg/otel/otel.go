package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls tracer setup: where spans are exported and how many survive sampling.
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	CollectorInsecure    bool
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns a Config suitable for local development: a plaintext
// collector on localhost and every trace sampled.
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "0.3.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true,
		SamplingRate:         1.0,
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer wires up the OTLP gRPC exporter and installs the tracer provider
// and W3C propagators globally. The returned provider must be shut down on exit.
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("risk-averse")
	}

	// Plaintext gRPC; swap in WithTLSCredentials when the collector requires it.
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown flushes pending spans and stops the provider, bounded to 10s.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan starts a span on the named tracer and applies any initial attributes.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks the span as failed and records err, with message attached
// as an error.message attribute when non-empty. No-op on nil span or nil err.
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent appends a named event to the span. No-op on nil span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	// Scenario tree attributes
	AttrTreeKind    = attribute.Key("tree.kind")
	AttrTreeNodes   = attribute.Key("tree.nodes")
	AttrTreeStages  = attribute.Key("tree.stages")
	AttrTreeHorizon = attribute.Key("tree.horizon")

	// Risk measure attributes
	AttrRiskKind  = attribute.Key("risk.kind")
	AttrRiskAlpha = attribute.Key("risk.alpha")
	AttrRiskValue = attribute.Key("risk.value")

	// Solve attributes
	AttrSolveStatus     = attribute.Key("solve.status")
	AttrSolveIterations = attribute.Key("solve.iterations")
	AttrSolveObjective  = attribute.Key("solve.objective")

	// Performance attributes
	AttrCacheHit  = attribute.Key("cache.hit")
	AttrLatencyMs = attribute.Key("latency.ms")
)

// Helper functions to create common attributes

func TreeAttributes(kind string, nodes, stages, horizon int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTreeKind.String(kind),
		AttrTreeNodes.Int(nodes),
		AttrTreeStages.Int(stages),
		AttrTreeHorizon.Int(horizon),
	}
}

func RiskAttributes(kind string, alpha, value float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRiskKind.String(kind),
		AttrRiskAlpha.Float64(alpha),
		AttrRiskValue.Float64(value),
	}
}

func SolveAttributes(status string, iterations int, objective float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSolveStatus.String(status),
		AttrSolveIterations.Int(iterations),
		AttrSolveObjective.Float64(objective),
	}
}

func PerformanceAttributes(cacheHit bool, latencyMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCacheHit.Bool(cacheHit),
		AttrLatencyMs.Float64(latencyMs),
	}
}
