package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func otelTestEmitter(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(otel.Tracer("test")), exporter
}

func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := otelTestEmitter(t)

	emitter.Emit(Event{
		Type:       StepStatusUpdate,
		Seq:        3,
		RunID:      "run-001",
		WorkflowID: "wf",
		StepID:     "add",
		Status:     "completed",
		Timestamp:  time.Now(),
		Meta:       map[string]any{"duration_ms": int64(12)},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != "step.status/completed" {
		t.Errorf("span name = %q, want %q", span.Name, "step.status/completed")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["flowline.run_id"]; got != "run-001" {
		t.Errorf("run_id = %v, want run-001", got)
	}
	if got := attrs["flowline.step_id"]; got != "add" {
		t.Errorf("step_id = %v, want add", got)
	}
	if got := attrs["flowline.seq"]; got != int64(3) {
		t.Errorf("seq = %v, want 3", got)
	}
	if got := attrs["flowline.duration_ms"]; got != int64(12) {
		t.Errorf("duration_ms = %v, want 12", got)
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	emitter, exporter := otelTestEmitter(t)

	emitter.Emit(Event{
		Type:       StepStatusUpdate,
		Seq:        1,
		RunID:      "run-002",
		WorkflowID: "wf",
		StepID:     "boom",
		Status:     "failed",
		Meta:       map[string]any{"error": "step boom failed"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected a recorded error event on the span")
	}
}

func TestOTelEmitter_Flush(t *testing.T) {
	emitter, _ := otelTestEmitter(t)
	if err := emitter.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
