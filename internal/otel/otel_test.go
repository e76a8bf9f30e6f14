package otel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Exporter: "zipkin"})
	if err != nil {
		t.Fatalf("disabled config must not validate the exporter: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected no-op tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("expected no SDK tracer provider when disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestExporterName(t *testing.T) {
	tests := map[string]string{
		"":          ExporterNone,
		" none ":    ExporterNone,
		"STDOUT":    ExporterStdout,
		"otlp":      ExporterOTLP,
		"otlp-http": ExporterOTLP,
		"zipkin":    "zipkin",
	}
	for in, want := range tests {
		if got := ExporterName(in); got != want {
			t.Errorf("ExporterName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic-pixie-dust"})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("err = %v, want ErrUnknownExporter", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone, SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider == nil {
		t.Fatal("expected SDK tracer provider")
	}
}

func TestInit_StdoutExporterWritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterStdout, Output: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := p.Tracer.Start(context.Background(), "operator.get_context")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "operator.get_context") {
		t.Fatalf("span not exported: %q", buf.String())
	}
}

func TestSpanHelpers(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer(TracerName)

	_, internal := StartSpan(context.Background(), tracer, "operator.get_context",
		AttrCategory.String("spatial"),
		AttrTaskID.String("group_2"),
	)
	internal.End()
	_, client := StartClientSpan(context.Background(), tracer, "collaborator.generate",
		AttrModel.String("analyst"),
	)
	client.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].SpanKind() != trace.SpanKindInternal || spans[1].SpanKind() != trace.SpanKindClient {
		t.Fatalf("kinds = %v, %v", spans[0].SpanKind(), spans[1].SpanKind())
	}
	var category string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == AttrCategory {
			category = kv.Value.AsString()
		}
	}
	if category != "spatial" {
		t.Fatalf("category attribute = %q", category)
	}
}
