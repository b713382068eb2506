package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ongoingai/calltrace/internal/jobs"
	"github.com/ongoingai/calltrace/internal/trace"
	"github.com/ongoingai/calltrace/internal/upstream"
)

// statusForError maps the error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, upstream.ErrNotFound), errors.Is(err, trace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, upstream.ErrMissingRequiredFilter):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, upstream.ErrUpstreamUnavailable), errors.Is(err, upstream.ErrMalformedPayload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure logs err with its taxonomy class and writes the mapped
// status. Server-side failures hide the error text.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, operation string, err error) {
	status := statusForError(err)
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(r.Context(), level, operation+" failed",
		"status", status,
		"error_kind", upstream.Kind(err),
		"error", err,
	)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	writeError(w, status, message)
}
