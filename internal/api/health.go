package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/calltrace/internal/trace"
	"github.com/ongoingai/calltrace/internal/version"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         trace.Store
}

type healthResponse struct {
	Status           string       `json:"status"`
	Version          string       `json:"version"`
	Build            version.Info `json:"build"`
	UptimeSec        int64        `json:"uptime_sec"`
	StorageDriver    string       `json:"storage_driver"`
	StoredTraceCount int64        `json:"stored_trace_count"`
	StorageError     string       `json:"storage_error,omitempty"`
	DBSizeBytes      int64        `json:"db_size_bytes,omitempty"`
}

// HealthHandler reports "degraded" instead of failing when the store cannot
// be counted.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		response := healthResponse{
			Status:        "ok",
			Version:       options.Version,
			Build:         version.Current(),
			UptimeSec:     int64(time.Since(options.StartedAt).Seconds()),
			StorageDriver: options.StorageDriver,
		}
		if options.Store != nil {
			count, err := options.Store.Count(r.Context())
			if err != nil {
				response.Status = "degraded"
				response.StorageError = trace.ClassifyWriteError(err)
			} else {
				response.StoredTraceCount = count
			}
		}
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				response.DBSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, response)
	})
}
