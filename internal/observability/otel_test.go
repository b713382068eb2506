package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ongoingai/calltrace/internal/config"
	"github.com/ongoingai/calltrace/internal/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		input         string
		wantEndpoint  string
		wantInsecure  bool
		wantErrSubstr string
	}{
		{name: "host and port", input: "collector:4318", wantEndpoint: "collector:4318"},
		{name: "http url", input: "http://collector:4318", wantEndpoint: "collector:4318", wantInsecure: true},
		{name: "https url", input: "https://collector:4318", wantEndpoint: "collector:4318"},
		{name: "invalid scheme", input: "ftp://collector:4318", wantErrSubstr: "scheme must be http or https"},
		{name: "empty endpoint", input: "   ", wantErrSubstr: "must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gotEndpoint, gotInsecure, err := normalizeOTLPEndpoint(tt.input)
			if tt.wantErrSubstr != "" {
				if err == nil {
					t.Fatalf("normalizeOTLPEndpoint(%q) error=nil, want %q", tt.input, tt.wantErrSubstr)
				}
				if got := err.Error(); !strings.Contains(got, tt.wantErrSubstr) {
					t.Fatalf("error=%q, want substring %q", got, tt.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint(%q) error=%v", tt.input, err)
			}
			if gotEndpoint != tt.wantEndpoint || gotInsecure != tt.wantInsecure {
				t.Fatalf("got (%q, %v), want (%q, %v)", gotEndpoint, gotInsecure, tt.wantEndpoint, tt.wantInsecure)
			}
		})
	}
}

func TestRoutePatternForPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{path: "/api/calltrace/1714557600.42", want: "/api/calltrace/*"},
		{path: "/api/cdr/calls", want: "/api/cdr/*"},
		{path: "/api/sbc/traces/0x1f", want: "/api/sbc/traces/*"},
		{path: "/api/sbc/traces", want: "/api/sbc/traces/*"},
		{path: "/api/sbc/call-trace", want: "/api/sbc/*"},
		{path: "/api/health", want: "/api/health"},
		{path: "/api/calltraces", want: "/other"},
		{path: "/", want: "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			if got := routePatternForPath(tt.path); got != tt.want {
				t.Fatalf("routePatternForPath(%q)=%q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestSpanNames(t *testing.T) {
	t.Parallel()

	if got := serverSpanName("GET", "/api/calltrace/abc"); got != "GET /api/calltrace/*" {
		t.Fatalf("serverSpanName=%q, want %q", got, "GET /api/calltrace/*")
	}
	if got := clientSpanName("POST", "cdr.example:443"); got != "upstream POST cdr.example:443" {
		t.Fatalf("clientSpanName=%q, want %q", got, "upstream POST cdr.example:443")
	}
	if got := clientSpanName("", ""); got != "upstream UNKNOWN unknown" {
		t.Fatalf("clientSpanName(empty)=%q", got)
	}
}

// Cannot be parallel: mutates global OTel tracer provider.
func TestSpanEnrichmentMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		correlationID string
		wantError     bool
	}{
		{name: "5xx sets error status", statusCode: http.StatusBadGateway, correlationID: "corr-otel-1", wantError: true},
		{name: "4xx does not set error status", statusCode: http.StatusNotFound, correlationID: "corr-otel-2"},
		{name: "2xx without correlation id", statusCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldTP := otel.GetTracerProvider()
			defer otel.SetTracerProvider(oldTP)

			recorder := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
			otel.SetTracerProvider(tp)
			defer func() { _ = tp.Shutdown(context.Background()) }()

			runtime := &Runtime{enabled: true}
			handler := runtime.WrapHTTPHandler(runtime.SpanEnrichmentMiddleware(
				http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(tt.statusCode)
				}),
			))

			req := httptest.NewRequest(http.MethodGet, "/api/calltrace/1714557600.42", nil)
			if tt.correlationID != "" {
				req = req.WithContext(correlation.WithContext(req.Context(), tt.correlationID))
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("ended spans=%d, want 1", len(spans))
			}
			span := spans[0]
			if span.Name() != "GET /api/calltrace/*" {
				t.Fatalf("span name=%q, want GET /api/calltrace/*", span.Name())
			}
			if tt.wantError != (span.Status().Code == codes.Error) {
				t.Fatalf("span status=%v, want error=%v", span.Status().Code, tt.wantError)
			}
			if got := spanAttrMap(span)["calltrace.correlation_id"]; got != tt.correlationID {
				t.Fatalf("calltrace.correlation_id=%q, want %q", got, tt.correlationID)
			}
		})
	}
}

// Cannot be parallel: mutates global OTel tracer provider.
func TestStartCorrelationSpanRecordsError(t *testing.T) {
	oldTP := otel.GetTracerProvider()
	defer otel.SetTracerProvider(oldTP)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	runtime := &Runtime{enabled: true}
	_, end := runtime.StartCorrelationSpan(context.Background(), "1714557600.42", "A")
	end(errors.New("call log not found"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans=%d, want 1", len(spans))
	}
	attrs := spanAttrMap(spans[0])
	if attrs["calltrace.call_id"] != "1714557600.42" || attrs["calltrace.call_type"] != "A" {
		t.Fatalf("span attributes=%v", attrs)
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("span status=%v, want error", spans[0].Status().Code)
	}
}

type collectedPoint struct {
	attrs map[string]string
	value int64
}

func collectInt64Sum(t *testing.T, reader *sdkmetric.ManualReader, name string) []collectedPoint {
	t.Helper()

	var metrics metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &metrics); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	var points []collectedPoint
	for _, scope := range metrics.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric data type=%T, want metricdata.Sum[int64]", m.Data)
			}
			for _, dp := range sum.DataPoints {
				attrs := make(map[string]string)
				for _, kv := range dp.Attributes.ToSlice() {
					attrs[string(kv.Key)] = kv.Value.Emit()
				}
				points = append(points, collectedPoint{attrs: attrs, value: dp.Value})
			}
		}
	}
	return points
}

func newManualRuntime(t *testing.T) (*Runtime, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			t.Fatalf("meterProvider.Shutdown() error: %v", err)
		}
	})

	runtime := &Runtime{enabled: true}
	runtime.registerInstruments(meterProvider.Meter("test"), nil)
	return runtime, reader
}

func TestRecordLookupIncludesMetricAttributes(t *testing.T) {
	t.Parallel()

	runtime, reader := newManualRuntime(t)
	runtime.RecordLookup(context.Background(), "cdr", "found", false)
	runtime.RecordLookup(context.Background(), "cdr", "found", true)
	runtime.RecordLookup(context.Background(), "cdr", "found", true)

	points := collectInt64Sum(t, reader, "calltrace.lookup_total")
	if len(points) != 2 {
		t.Fatalf("datapoints=%d, want 2 (cached and uncached)", len(points))
	}
	for _, p := range points {
		if p.attrs["source"] != "cdr" || p.attrs["status"] != "found" {
			t.Fatalf("unexpected attributes %v", p.attrs)
		}
		want := int64(1)
		if p.attrs["cached"] == "true" {
			want = 2
		}
		if p.value != want {
			t.Fatalf("cached=%s value=%d, want %d", p.attrs["cached"], p.value, want)
		}
	}
}

func TestRecordJobRunAndWriteFailure(t *testing.T) {
	t.Parallel()

	runtime, reader := newManualRuntime(t)
	runtime.RecordJobRun(context.Background(), "sbc_fetch", "ok", 40*time.Millisecond)
	runtime.RecordTraceWriteFailure(context.Background(), "upsert", "contention")

	var metrics metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &metrics); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	seen := make(map[string]bool)
	for _, scope := range metrics.ScopeMetrics {
		for _, m := range scope.Metrics {
			seen[m.Name] = true
			if m.Name == "calltrace.job.duration_ms" {
				hist, ok := m.Data.(metricdata.Histogram[float64])
				if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 40 {
					t.Fatalf("job duration data=%+v, want one 40ms sample", m.Data)
				}
			}
			if m.Name == "calltrace.store.write_failed_total" {
				sum := m.Data.(metricdata.Sum[int64])
				attrs := sum.DataPoints[0].Attributes
				if v, _ := attrs.Value("error_class"); v.AsString() != "contention" {
					t.Fatalf("error_class=%q, want contention", v.AsString())
				}
			}
		}
	}
	for _, name := range []string{"calltrace.job.runs_total", "calltrace.job.duration_ms", "calltrace.store.write_failed_total"} {
		if !seen[name] {
			t.Fatalf("missing metric %s", name)
		}
	}
}

// Cannot be parallel: mutates global OTel tracer provider.
func TestSetupExportsTracesAndMetrics(t *testing.T) {
	oldTracerProvider := otel.GetTracerProvider()
	oldMeterProvider := otel.GetMeterProvider()
	oldPropagator := otel.GetTextMapPropagator()
	defer func() {
		otel.SetTracerProvider(oldTracerProvider)
		otel.SetMeterProvider(oldMeterProvider)
		otel.SetTextMapPropagator(oldPropagator)
	}()

	var traceRequests atomic.Int64
	var metricRequests atomic.Int64
	var unexpectedPath atomic.Bool
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()

		switch r.URL.Path {
		case "/v1/traces":
			traceRequests.Add(1)
		case "/v1/metrics":
			metricRequests.Add(1)
		default:
			unexpectedPath.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	runtime, err := Setup(context.Background(), config.OTelConfig{
		Enabled:                true,
		Endpoint:               collector.URL,
		ServiceName:            "calltrace-test",
		TracesEnabled:          true,
		MetricsEnabled:         true,
		SamplingRatio:          1.0,
		ExportTimeoutMS:        1000,
		MetricExportIntervalMS: 25,
	}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}

	_, end := runtime.StartCorrelationSpan(context.Background(), "abc123", "B")
	end(nil)
	runtime.RecordLookup(context.Background(), "sbc", "found", false)
	runtime.RecordJobRun(context.Background(), "sbc_cleanup", "ok", time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("runtime.Shutdown() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return traceRequests.Load() > 0 && metricRequests.Load() > 0
	})
	if unexpectedPath.Load() {
		t.Fatal("collector observed unexpected OTLP request path")
	}
}

func waitFor(t *testing.T, timeout time.Duration, predicate func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStatusCapturingResponseWriterUnwrapSupportsResponseController(t *testing.T) {
	t.Parallel()

	base := &deadlineAwareResponseWriter{header: make(http.Header)}
	wrapped := &statusCapturingResponseWriter{ResponseWriter: base}

	controller := http.NewResponseController(wrapped)
	deadline := time.Now().Add(250 * time.Millisecond)
	if err := controller.SetWriteDeadline(deadline); err != nil {
		t.Fatalf("SetWriteDeadline() error: %v", err)
	}
	if base.writeDeadlineCalls != 1 || !base.lastWriteDeadline.Equal(deadline) {
		t.Fatalf("write deadline calls=%d at %v, want 1 at %v", base.writeDeadlineCalls, base.lastWriteDeadline, deadline)
	}
}

type deadlineAwareResponseWriter struct {
	header             http.Header
	writeDeadlineCalls int
	lastWriteDeadline  time.Time
}

func (w *deadlineAwareResponseWriter) Header() http.Header         { return w.header }
func (w *deadlineAwareResponseWriter) Write(p []byte) (int, error) { return len(p), nil }
func (w *deadlineAwareResponseWriter) WriteHeader(int)             {}

func (w *deadlineAwareResponseWriter) SetWriteDeadline(deadline time.Time) error {
	w.writeDeadlineCalls++
	w.lastWriteDeadline = deadline
	return nil
}

func TestRuntimeGuardsDoNotPanic(t *testing.T) {
	t.Parallel()

	runtimes := []struct {
		name    string
		runtime *Runtime
	}{
		{name: "nil runtime", runtime: nil},
		{name: "disabled runtime", runtime: &Runtime{enabled: false}},
	}

	for _, tt := range runtimes {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.runtime.Enabled() {
				t.Fatal("expected Enabled()=false")
			}

			handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			rec := httptest.NewRecorder()
			tt.runtime.WrapHTTPHandler(tt.runtime.SpanEnrichmentMiddleware(handler)).
				ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("pass-through status=%d, want 200", rec.Code)
			}
			if tt.runtime.WrapHTTPTransport(http.DefaultTransport) != http.DefaultTransport {
				t.Fatal("WrapHTTPTransport should return base transport unchanged")
			}

			ctx, end := tt.runtime.StartCorrelationSpan(context.Background(), "id", "A")
			end(errors.New("ignored"))
			if ctx == nil {
				t.Fatal("StartCorrelationSpan returned nil context")
			}
			tt.runtime.RecordLookup(context.Background(), "cdr", "error", false)
			tt.runtime.RecordJobRun(context.Background(), "sbc_fetch", "ok", time.Second)
			tt.runtime.RecordTraceWriteFailure(context.Background(), "upsert", "unknown")

			if err := tt.runtime.Shutdown(context.Background()); err != nil {
				t.Fatalf("Shutdown() error: %v", err)
			}
		})
	}
}

// Cannot be parallel: mutates global OTel providers.
func TestSetupDisabledReturnsNoopRuntime(t *testing.T) {
	runtime, err := Setup(context.Background(), config.OTelConfig{Enabled: false}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if runtime.Enabled() {
		t.Fatal("expected Enabled()=false for disabled config")
	}
}
