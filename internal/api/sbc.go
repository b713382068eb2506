package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/calltrace/internal/jobs"
	"github.com/ongoingai/calltrace/internal/render"
	"github.com/ongoingai/calltrace/internal/sbc"
	"github.com/ongoingai/calltrace/internal/trace"
	"github.com/valyala/fastjson"
)

const maxSBCResults = 100

// SBCCallTraceHandler serves GET /api/sbc/call-trace. format=text renders the
// payload, format=json (the default) returns it as received.
func SBCCallTraceHandler(fetcher SBCFetcher, clockOffset time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if fetcher == nil {
			writeError(w, http.StatusServiceUnavailable, "sbc backend is not configured")
			return
		}

		query := r.URL.Query()
		format, ok := parseFormat(query.Get("format"), "json", "json", "text")
		if !ok {
			writeError(w, http.StatusBadRequest, "format must be json or text")
			return
		}
		filter, err := parseSBCFilter(query.Get, clockOffset)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if format == "json" {
			body, err := fetcher.FetchRaw(r.Context(), filter)
			if err != nil {
				writeFailure(w, r, logger, "sbc call trace", err)
				return
			}
			writeRawJSON(w, http.StatusOK, body)
			return
		}
		payload, err := fetcher.Fetch(r.Context(), filter)
		if err != nil {
			writeFailure(w, r, logger, "sbc call trace", err)
			return
		}
		writeText(w, http.StatusOK, render.SBCTrace(payload))
	})
}

func parseSBCFilter(get func(string) string, clockOffset time.Duration) (sbc.Filter, error) {
	filter := sbc.Filter{
		Calling:   strings.TrimSpace(get("calling")),
		Called:    strings.TrimSpace(get("called")),
		Recursive: true,
	}
	limit, err := parseIntQuery(get("nb_result"), "nb_result", 1, maxSBCResults)
	if err != nil {
		return sbc.Filter{}, err
	}
	filter.ResultLimit = limit

	if raw := strings.TrimSpace(get("recursive")); raw != "" {
		recursive, err := parseBoolQuery(raw)
		if err != nil {
			return sbc.Filter{}, fmt.Errorf("recursive must be yes or no")
		}
		filter.Recursive = recursive
	}
	if raw := strings.TrimSpace(get("start")); raw != "" {
		start, err := parseStartQuery(raw, clockOffset)
		if err != nil {
			return sbc.Filter{}, err
		}
		filter.Start = start
	}
	return filter, nil
}

// parseStartQuery accepts RFC 3339 or YYYY-MM-DD HH:MM:SS in SBC local time.
func parseStartQuery(raw string, clockOffset time.Duration) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed, nil
	}
	parsed, err := sbc.ParseStart(raw, clockOffset)
	if err != nil {
		return time.Time{}, fmt.Errorf("start must be RFC3339 or YYYY-MM-DD HH:MM:SS")
	}
	return parsed, nil
}

type storedTracesResponse struct {
	Items []storedTraceSummary `json:"items"`
	Count int                  `json:"count"`
}

type storedTraceSummary struct {
	ID            string          `json:"id"`
	Calling       string          `json:"calling,omitempty"`
	Called        string          `json:"called,omitempty"`
	CallTimestamp *time.Time      `json:"call_timestamp,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

func toStoredTraceSummary(item *trace.SBCTrace) storedTraceSummary {
	return storedTraceSummary{
		ID:            item.ID,
		Calling:       item.Calling,
		Called:        item.Called,
		CallTimestamp: item.CallTimestamp,
		CreatedAt:     item.CreatedAt,
		Payload:       json.RawMessage(item.Payload),
	}
}

// StoredTracesHandler serves GET /api/sbc/traces, newest call first.
func StoredTracesHandler(store trace.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		filter, err := parseStoredTraceFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		items, err := store.Find(r.Context(), filter)
		if err != nil {
			writeFailure(w, r, logger, "find sbc traces", err)
			return
		}

		response := storedTracesResponse{Items: make([]storedTraceSummary, 0, len(items))}
		for _, item := range items {
			response.Items = append(response.Items, toStoredTraceSummary(item))
		}
		response.Count = len(response.Items)
		writeJSON(w, http.StatusOK, response)
	})
}

func parseStoredTraceFilter(r *http.Request) (trace.Filter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, trace.MaxFindLimit)
	if err != nil {
		return trace.Filter{}, err
	}
	after, err := parseTimestampQuery(query.Get("timestamp_after"), "timestamp_after")
	if err != nil {
		return trace.Filter{}, err
	}
	before, err := parseTimestampQuery(query.Get("timestamp_before"), "timestamp_before")
	if err != nil {
		return trace.Filter{}, err
	}
	if !after.IsZero() && !before.IsZero() && before.Before(after) {
		return trace.Filter{}, fmt.Errorf("timestamp_before must not be before timestamp_after")
	}
	return trace.Filter{
		Calling: strings.TrimSpace(query.Get("calling")),
		Called:  strings.TrimSpace(query.Get("called")),
		After:   after,
		Before:  before,
		Limit:   limit,
	}, nil
}

// parseTimestampQuery accepts RFC 3339, unix seconds or milliseconds, or any
// timestamp form the SBC itself emits.
func parseTimestampQuery(raw, name string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed, nil
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if parsed, ok := sbc.ParseTimestamp(value); ok {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("%s must be RFC3339 or a unix timestamp", name)
}

// StoredTraceDetailHandler serves GET /api/sbc/traces/{id} as rendered text,
// or the stored payload with format=json.
func StoredTraceDetailHandler(store trace.Store, logger *slog.Logger) http.Handler {
	var parsers fastjson.ParserPool
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}
		format, ok := parseFormat(r.URL.Query().Get("format"), "text", "json", "text")
		if !ok {
			writeError(w, http.StatusBadRequest, "format must be json or text")
			return
		}

		item, err := store.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeFailure(w, r, logger, "get sbc trace", err)
			return
		}
		if format == "json" {
			writeJSON(w, http.StatusOK, toStoredTraceSummary(item))
			return
		}

		p := parsers.Get()
		defer parsers.Put(p)
		payload, err := sbc.Parse(p, item.Payload)
		if err != nil {
			writeFailure(w, r, logger, "parse stored sbc trace", fmt.Errorf("stored trace %q: %w", item.ID, err))
			return
		}
		writeText(w, http.StatusOK, render.SBCTrace(payload))
	})
}

type fetchTracesResponse struct {
	jobs.FetchResult
	Success bool `json:"success"`
}

// FetchTracesHandler serves POST /api/sbc/traces/fetch.
func FetchTracesHandler(fetchNow func(ctx context.Context) (jobs.FetchResult, error), logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if fetchNow == nil {
			writeError(w, http.StatusServiceUnavailable, "sbc sync is not configured")
			return
		}

		result, err := fetchNow(r.Context())
		if err != nil {
			if result.Added > 0 {
				logger.WarnContext(r.Context(), "sbc fetch partially stored", "added", result.Added)
			}
			writeFailure(w, r, logger, "sbc fetch", err)
			return
		}
		writeJSON(w, http.StatusOK, fetchTracesResponse{FetchResult: result, Success: true})
	})
}
