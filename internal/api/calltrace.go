package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ongoingai/calltrace/internal/callid"
	"github.com/ongoingai/calltrace/internal/observability"
	"github.com/ongoingai/calltrace/internal/render"
)

type callTraceResponse struct {
	CallID   string          `json:"callId"`
	CallType string          `json:"callType"`
	Data     json.RawMessage `json:"data"`
}

// CallTraceHandler serves GET /api/calltrace/{id}?format=json|text&raw_fallback=true.
func CallTraceHandler(correlator Correlator, runtime *observability.Runtime, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if correlator == nil {
			writeError(w, http.StatusServiceUnavailable, "call log backend is not configured")
			return
		}

		id := strings.TrimSpace(r.PathValue("id"))
		if id == "" {
			writeError(w, http.StatusBadRequest, "call id is required")
			return
		}
		query := r.URL.Query()
		format, ok := parseFormat(query.Get("format"), "json", "json", "text")
		if !ok {
			writeError(w, http.StatusBadRequest, "format must be json or text")
			return
		}
		rawFallback, err := parseBoolQuery(query.Get("raw_fallback"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "raw_fallback must be a boolean")
			return
		}

		callType := callid.Classify(id)
		ctx, endSpan := runtime.StartCorrelationSpan(r.Context(), id, callType.String())
		doc, err := correlator.Correlate(ctx, id)
		endSpan(err)
		if err != nil {
			writeFailure(w, r, logger, "correlate call", err)
			return
		}

		if format == "text" {
			writeText(w, http.StatusOK, render.Text(doc))
			return
		}
		body, err := render.Body(doc, render.StructuredOptions{RawFallback: rawFallback})
		if err != nil {
			writeFailure(w, r, logger, "render call trace", err)
			return
		}
		writeJSON(w, http.StatusOK, callTraceResponse{
			CallID:   id,
			CallType: callType.String(),
			Data:     body,
		})
	})
}

// parseFormat returns the lower-cased format, or fallback when raw is
// empty. ok is false for values outside allowed.
func parseFormat(raw, fallback string, allowed ...string) (string, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return fallback, true
	}
	for _, candidate := range allowed {
		if value == candidate {
			return value, true
		}
	}
	return "", false
}

func parseBoolQuery(raw string) (bool, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "":
		return false, nil
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return strconv.ParseBool(value)
}
