// Package api serves the calltrace HTTP surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/calltrace/internal/cdr"
	"github.com/ongoingai/calltrace/internal/correlate"
	"github.com/ongoingai/calltrace/internal/jobs"
	"github.com/ongoingai/calltrace/internal/observability"
	"github.com/ongoingai/calltrace/internal/sbc"
	"github.com/ongoingai/calltrace/internal/trace"
)

// Correlator builds the trace document of one call identifier.
type Correlator interface {
	Correlate(ctx context.Context, id string) (*correlate.TraceDocument, error)
}

// CDRLister runs CDR listing queries.
type CDRLister interface {
	List(ctx context.Context, filter cdr.Filter) (*cdr.Listing, error)
}

// SBCFetcher queries the SBC call_trace API.
type SBCFetcher interface {
	Fetch(ctx context.Context, filter sbc.Filter) (*sbc.Payload, error)
	FetchRaw(ctx context.Context, filter sbc.Filter) ([]byte, error)
}

type RouterOptions struct {
	AppVersion    string
	Correlator    Correlator
	CDR           CDRLister
	SBC           SBCFetcher
	Store         trace.Store
	StorageDriver string
	StoragePath   string
	// SBCClockOffset is the SBC's offset from UTC, used to read start
	// filters given in SBC local time.
	SBCClockOffset time.Duration
	// FetchNow runs the SBC sync once; it returns jobs.ErrJobRunning while a
	// scheduled run is in flight.
	FetchNow func(ctx context.Context) (jobs.FetchResult, error)
	Runtime  *observability.Runtime
	Logger   *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
	}))
	mux.Handle("/api/calltrace/{id}", CallTraceHandler(options.Correlator, options.Runtime, options.Logger))
	mux.Handle("/api/cdr/calls", CDRCallsHandler(options.CDR, options.Logger))
	mux.Handle("/api/sbc/call-trace", SBCCallTraceHandler(options.SBC, options.SBCClockOffset, options.Logger))
	mux.Handle("/api/sbc/traces", StoredTracesHandler(options.Store, options.Logger))
	mux.Handle("/api/sbc/traces/fetch", FetchTracesHandler(options.FetchNow, options.Logger))
	mux.Handle("/api/sbc/traces/{id}", StoredTraceDetailHandler(options.Store, options.Logger))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "calltrace",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

// writeRawJSON writes body, already encoded, as-is.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Calltrace-Correlation-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
