package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec, tp
}

func TestOperationSpans(t *testing.T) {
	rec, tp := recordingTracer(t)
	tracer := tp.Tracer("test")

	op, err := Start(context.Background(), tracer, "baseline")
	if err != nil {
		t.Fatal(err)
	}
	if err := op.RunStep(op.Context(), "capture", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	op.End(nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "capture" || spans[1].Name() != "baseline" {
		t.Errorf("span names = %s, %s", spans[0].Name(), spans[1].Name())
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("step span should be a child of the operation span")
	}
}

func TestOperationRecordsErrors(t *testing.T) {
	rec, tp := recordingTracer(t)
	tracer := tp.Tracer("test")

	op, err := Start(context.Background(), tracer, "restore")
	if err != nil {
		t.Fatal(err)
	}
	cause := errors.New("digest mismatch")
	if got := op.RunStep(op.Context(), "verify", func(context.Context) error { return cause }); !errors.Is(got, cause) {
		t.Fatalf("RunStep returned %v, want the step error", got)
	}
	op.End(cause)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	for _, s := range spans {
		if s.Status().Code != codes.Error {
			t.Errorf("span %s status = %v, want error", s.Name(), s.Status().Code)
		}
	}
}

func TestStartValidation(t *testing.T) {
	_, tp := recordingTracer(t)
	if _, err := Start(context.Background(), nil, "x"); err == nil {
		t.Error("nil tracer should be rejected")
	}
	if _, err := Start(context.Background(), tp.Tracer("test"), "  "); err == nil {
		t.Error("blank operation name should be rejected")
	}
}
