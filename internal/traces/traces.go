// Package traces wires OpenTelemetry tracing for decision requests and
// broker ingest.
package traces

import (
	"context"
	"log/slog"

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

const tracerName = "github.com/mbd888/mitigator"

// Config selects the exporter and sampling.
type Config struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint    string
	SampleRatio float64
	Version     string
}

// Init installs the W3C propagator and, when an endpoint is set, an OTLP
// tracer provider. The returned function flushes and stops the provider.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	// Propagation is installed even without export so broker headers pass
	// upstream trace context through.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("mitigator"),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler honors the parent's decision and samples root spans at ratio.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartConsumerSpan starts a consumer-kind span for a message taken off a broker.
func StartConsumerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

// RecordDecision annotates span with a decision. Blocks also get a span
// event so they stand out in trace views.
func RecordDecision(span trace.Span, action, reason, category string, violations int) {
	span.SetAttributes(
		Action(action),
		attribute.String("mitigation.reason", reason),
		attribute.String("mitigation.category", category),
		attribute.Int("mitigation.violations", violations),
	)
	if action == "blocked" {
		span.AddEvent("source.blocked", trace.WithAttributes(attribute.Int("mitigation.violations", violations)))
	}
}

// Fail marks span as failed with err.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func Source(src string) attribute.KeyValue {
	return attribute.String("mitigation.source", src)
}

func Label(label int) attribute.KeyValue {
	return attribute.Int("mitigation.label", label)
}

func Action(action string) attribute.KeyValue {
	return attribute.String("mitigation.action", action)
}

func Transport(name string) attribute.KeyValue {
	return attribute.String("messaging.system", name)
}

func Destination(name string) attribute.KeyValue {
	return attribute.String("messaging.destination.name", name)
}
