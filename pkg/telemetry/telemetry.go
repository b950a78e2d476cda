// Package telemetry provides OpenTelemetry distributed tracing for
// Orbitcache. It instruments the cache lookup pipeline with spans for
// each stage, supports W3C Trace Context propagation, and exports to
// OTLP or stdout.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/stationside/orbitcache"

// Config holds tracing configuration.
type Config struct {
	// Enabled turns tracing on/off.
	Enabled bool

	// Exporter selects the trace exporter: "otlp", "stdout", or "none".
	Exporter string

	// Endpoint is the OTLP collector address (e.g., "localhost:4317").
	Endpoint string

	// SampleRate controls the sampling ratio (0.0 to 1.0).
	// 1.0 = sample everything, 0.1 = sample 10%.
	SampleRate float64

	// ServiceName overrides the default service name.
	ServiceName string

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
}

// DefaultConfig returns tracing defaults (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "otlp",
		Endpoint:    "localhost:4317",
		SampleRate:  1.0,
		ServiceName: "orbitcache",
		Insecure:    true,
	}
}

// Provider wraps the OTEL TracerProvider and exposes Orbitcache-specific helpers.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init sets up the global TracerProvider based on the config.
// Returns a Provider that must be shut down with Shutdown().
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		// Return a no-op provider
		return &Provider{
			tracer: trace.NewNoopTracerProvider().Tracer(tracerName),
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none", "":
		return &Provider{
			tracer: trace.NewNoopTracerProvider().Tracer(tracerName),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout, none)", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("0.2.0"),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Set global provider and propagator
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(tracerName),
	}, nil
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the Orbitcache tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// --- Span helpers for pipeline stages ---

// StartRequest creates a root span for an incoming HTTP request.
func (p *Provider) StartRequest(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "orbitcache.request",
		trace.WithAttributes(attribute.String("orbitcache.endpoint", endpoint)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartLookup creates a span for an exact cache lookup.
func (p *Provider) StartLookup(ctx context.Context, key string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "orbitcache.cache.lookup",
		trace.WithAttributes(attribute.String("orbitcache.cache.key", key)),
	)
}

// StartSimilarity creates a span for a similarity search.
func (p *Provider) StartSimilarity(ctx context.Context, tokenCount int, threshold float64) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "orbitcache.similarity",
		trace.WithAttributes(
			attribute.Int("orbitcache.similarity.token_count", tokenCount),
			attribute.Float64("orbitcache.similarity.threshold", threshold),
		),
	)
}

// StartGeneration creates a span for an upstream generation call.
func (p *Provider) StartGeneration(ctx context.Context, model string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "orbitcache.generation",
		trace.WithAttributes(attribute.String("orbitcache.generation.model", model)),
	)
}

// StartStore creates a span for a cache write.
func (p *Provider) StartStore(ctx context.Context, key string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "orbitcache.cache.store",
		trace.WithAttributes(attribute.String("orbitcache.cache.key", key)),
	)
}

// RecordLookupResult adds lookup outcome attributes to a span.
func RecordLookupResult(span trace.Span, hit bool, latency time.Duration) {
	span.SetAttributes(
		attribute.Bool("orbitcache.result.hit", hit),
		attribute.Int64("orbitcache.result.latency_ms", latency.Milliseconds()),
	)
}

// RecordSimilarityResult adds similarity search attributes to a span.
func RecordSimilarityResult(span trace.Span, candidates, matches int, latency time.Duration) {
	span.SetAttributes(
		attribute.Int("orbitcache.result.candidates", candidates),
		attribute.Int("orbitcache.result.matches", matches),
		attribute.Int64("orbitcache.result.latency_ms", latency.Milliseconds()),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
