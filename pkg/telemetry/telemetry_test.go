package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestInit_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if p.Tracer() == nil {
		t.Fatal("tracer should not be nil even when disabled")
	}

	// Should create no-op spans without error
	ctx, span := p.StartRequest(context.Background(), "/v1/cache/lookup")
	if ctx == nil {
		t.Fatal("context should not be nil")
	}
	span.End()
}

func TestInit_ExporterNone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "none"

	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if p.Tracer() == nil {
		t.Fatal("tracer should not be nil")
	}
}

func TestInit_ExporterStdout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "stdout"

	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if p.tp == nil {
		t.Fatal("TracerProvider should not be nil for stdout exporter")
	}
}

func TestInit_InvalidExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "invalid"

	_, err := Init(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error for invalid exporter")
	}
}

func TestInit_SampleRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "stdout"
	cfg.SampleRate = 0.5

	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()
}

func TestShutdown_NilProvider(t *testing.T) {
	p := &Provider{
		tracer: noop.NewTracerProvider().Tracer(tracerName),
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown should not error on nil provider: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.Exporter != "otlp" {
		t.Errorf("expected default exporter otlp, got %s", cfg.Exporter)
	}
	if cfg.Endpoint != "localhost:4317" {
		t.Errorf("expected default endpoint localhost:4317, got %s", cfg.Endpoint)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected default sample rate 1.0, got %f", cfg.SampleRate)
	}
	if cfg.ServiceName != "orbitcache" {
		t.Errorf("expected default service name orbitcache, got %s", cfg.ServiceName)
	}
}

func TestSpanHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "stdout"

	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx := context.Background()

	// All span helpers should work without panicking
	tests := []struct {
		name string
		fn   func() (context.Context, trace.Span)
	}{
		{"StartRequest", func() (context.Context, trace.Span) { return p.StartRequest(ctx, "/v1/cache/lookup") }},
		{"StartLookup", func() (context.Context, trace.Span) { return p.StartLookup(ctx, "orbitcache:entry:abc") }},
		{"StartSimilarity", func() (context.Context, trace.Span) { return p.StartSimilarity(ctx, 5, 0.7) }},
		{"StartGeneration", func() (context.Context, trace.Span) { return p.StartGeneration(ctx, "gpt-4o-mini") }},
		{"StartStore", func() (context.Context, trace.Span) { return p.StartStore(ctx, "orbitcache:entry:abc") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, span := tt.fn()
			if c == nil {
				t.Error("context should not be nil")
			}
			if span == nil {
				t.Error("span should not be nil")
			}
			span.End()
		})
	}
}

func TestRecordLookupResult(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "stdout"

	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	_, span := p.StartLookup(context.Background(), "orbitcache:entry:abc")
	// Should not panic
	RecordLookupResult(span, true, 12*time.Millisecond)
	span.End()
}

func TestRecordSimilarityResult(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "stdout"

	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	_, span := p.StartSimilarity(context.Background(), 5, 0.7)
	// Should not panic on zero counts either
	RecordSimilarityResult(span, 0, 0, 0)
	RecordSimilarityResult(span, 12, 3, 8*time.Millisecond)
	span.End()
}

func TestRecordError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "stdout"

	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	_, span := p.StartRequest(context.Background(), "/v1/cache/lookup")
	RecordError(span, fmt.Errorf("test error"))
	span.End()
}

// Verify attribute is importable (compile-time check used in span helpers)
var _ = attribute.String("test", "value")
