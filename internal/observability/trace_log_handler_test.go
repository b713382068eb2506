package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/ongoingai/calltrace/internal/correlation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json unmarshal: %v", err)
	}
	return entry
}

func TestTraceLogHandlerAddsTraceIDAndSpanID(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, span := tp.Tracer("test").Start(context.Background(), "calltrace.correlate")
	defer span.End()

	logger.InfoContext(ctx, "correlation started", "call_id", "1714557600.42")

	entry := decodeLogLine(t, &buf)
	if traceID, ok := entry["trace_id"].(string); !ok || len(traceID) != 32 {
		t.Fatalf("trace_id=%q, want 32 hex chars", entry["trace_id"])
	}
	if spanID, ok := entry["span_id"].(string); !ok || len(spanID) != 16 {
		t.Fatalf("span_id=%q, want 16 hex chars", entry["span_id"])
	}
	if entry["call_id"] != "1714557600.42" {
		t.Fatalf("call_id=%v, want 1714557600.42", entry["call_id"])
	}
}

func TestTraceLogHandlerAddsCorrelationID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := correlation.WithContext(context.Background(), "corr-test-1")
	logger.InfoContext(ctx, "request")

	entry := decodeLogLine(t, &buf)
	if entry["correlation_id"] != "corr-test-1" {
		t.Fatalf("correlation_id=%v, want corr-test-1", entry["correlation_id"])
	}
	if _, ok := entry["trace_id"]; ok {
		t.Fatal("trace_id should not be present without active span")
	}
}

func TestTraceLogHandlerNoSpanOmitsTraceAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("no context")

	entry := decodeLogLine(t, &buf)
	for _, key := range []string{"trace_id", "span_id", "correlation_id"} {
		if _, ok := entry[key]; ok {
			t.Fatalf("%s should not be present without context values", key)
		}
	}
}

func TestTraceLogHandlerEnabledDelegatesToInner(t *testing.T) {
	t.Parallel()

	handler := NewTraceLogHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected Info to be disabled when inner level is Warn")
	}
	if !handler.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected Error to be enabled when inner level is Warn")
	}
}

func TestTraceLogHandlerWithAttrsAndGroupKeepTraceAttrs(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var buf bytes.Buffer
	handler := NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)).
		WithAttrs([]slog.Attr{slog.String("component", "jobs")}).
		WithGroup("sbc")
	logger := slog.New(handler)

	ctx, span := tp.Tracer("test").Start(context.Background(), "sbc_fetch")
	defer span.End()

	logger.InfoContext(ctx, "grouped log", "added", 2)

	output := buf.String()
	for _, want := range []string{`"component":"jobs"`, "trace_id", "span_id"} {
		if !strings.Contains(output, want) {
			t.Fatalf("output %q missing %q", output, want)
		}
	}
}

func TestNewTraceLogHandlerNilFallback(t *testing.T) {
	t.Parallel()

	handler := NewTraceLogHandler(nil)
	if handler == nil {
		t.Fatal("NewTraceLogHandler(nil) returned nil")
	}
	slog.New(handler).Info("nil fallback test")
}
