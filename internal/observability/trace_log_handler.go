package observability

import (
	"context"
	"log/slog"

	"github.com/ongoingai/calltrace/internal/correlation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// traceLogHandler stamps records logged with a context with the active
// span's trace_id and span_id and with the request correlation_id.
type traceLogHandler struct {
	inner slog.Handler
}

// NewTraceLogHandler wraps inner, or the default handler when inner is nil.
func NewTraceLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &traceLogHandler{inner: inner}
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs := contextAttrs(ctx); len(attrs) > 0 {
		record.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithGroup(name)}
}

func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() && oteltrace.SpanFromContext(ctx).IsRecording() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id, ok := correlation.FromContext(ctx); ok {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	return attrs
}
