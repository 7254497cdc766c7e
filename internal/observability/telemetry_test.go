package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// Error Recording Tests
// =============================================================================

// TestRecordError verifies the error lands on the active span and in the log.
func TestRecordError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	tel := &Telemetry{logger: zap.New(core)}

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "consume")
	tel.RecordError(ctx, "Telemetry consumer exited", errors.New("channel closed"), zap.String("queue", "agent-data"))
	span.End()

	entries := logs.FilterMessage("Telemetry consumer exited").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["queue"] != "agent-data" {
		t.Errorf("expected queue field, got %v", fields["queue"])
	}
	if fields["error"] != "channel closed" {
		t.Errorf("expected error field, got %v", fields["error"])
	}

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("expected span status Error, got %v", ended[0].Status().Code)
	}
	var exception bool
	for _, ev := range ended[0].Events() {
		if ev.Name == "exception" {
			exception = true
		}
	}
	if !exception {
		t.Error("expected exception event on span")
	}
}

// TestRecordError_NoSpan verifies logging still happens without a span.
func TestRecordError_NoSpan(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	tel := &Telemetry{logger: zap.New(core)}

	tel.RecordError(context.Background(), "Server failed", errors.New("bind: address in use"))

	if logs.FilterMessage("Server failed").Len() != 1 {
		t.Errorf("expected Server failed log entry, got %d entries", logs.Len())
	}
}

// =============================================================================
// Construction Tests
// =============================================================================

// TestNew verifies a tracer and metrics are available without an exporter.
func TestNew(t *testing.T) {
	tel, err := New(Config{ServiceName: "sentinelforge", LogLevel: "error"})
	if err != nil {
		t.Fatalf("New should succeed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	if tel.Tracer() == nil {
		t.Error("Tracer should not be nil")
	}
	if tel.Metrics() == nil || tel.Logger() == nil {
		t.Error("Metrics and Logger should be set")
	}

	_, span := tel.Tracer().Start(context.Background(), "noop")
	span.End()
}
