package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ongoingai/calltrace/internal/cdr"
)

const maxCDRLimit = 1000

// CDRCallsHandler serves GET /api/cdr/calls. fdatefrom is required.
func CDRCallsHandler(lister CDRLister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if lister == nil {
			writeError(w, http.StatusServiceUnavailable, "cdr backend is not configured")
			return
		}

		filter, err := parseCDRFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		listing, err := lister.List(r.Context(), filter)
		if err != nil {
			writeFailure(w, r, logger, "cdr listing", err)
			return
		}
		writeJSON(w, http.StatusOK, listing)
	})
}

func parseCDRFilter(r *http.Request) (cdr.Filter, error) {
	query := r.URL.Query()
	filter := cdr.Filter{
		DateFrom: strings.TrimSpace(query.Get("fdatefrom")),
		DateTo:   strings.TrimSpace(query.Get("fdateto")),
		Caller:   strings.TrimSpace(query.Get("fcaller")),
		Called:   strings.TrimSpace(query.Get("fcalled")),
		CallID:   strings.TrimSpace(query.Get("fcallid")),
		Basename: strings.TrimSpace(query.Get("fbasename")),
	}
	if filter.DateFrom == "" {
		return cdr.Filter{}, fmt.Errorf("fdatefrom is required")
	}

	var err error
	if filter.Limit, err = parseIntQuery(query.Get("limit"), "limit", 0, maxCDRLimit); err != nil {
		return cdr.Filter{}, err
	}
	if filter.Start, err = parseIntQuery(query.Get("start"), "start", 0, 0); err != nil {
		return cdr.Filter{}, err
	}
	if filter.CallerdType, err = optionalIntQuery(query.Get("fcallerd_type"), "fcallerd_type"); err != nil {
		return cdr.Filter{}, err
	}
	if filter.MinDuration, err = optionalIntQuery(query.Get("fdurationgt"), "fdurationgt"); err != nil {
		return cdr.Filter{}, err
	}
	if filter.MaxDuration, err = optionalIntQuery(query.Get("fdurationlt"), "fdurationlt"); err != nil {
		return cdr.Filter{}, err
	}
	return filter, nil
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func optionalIntQuery(raw, name string) (*int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parsed, err := parseIntQuery(raw, name, 0, 0)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
