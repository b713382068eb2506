// Package correlation carries the per-request correlation id through
// contexts, headers and logs.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the canonical correlation identifier header.
	HeaderName = "X-Calltrace-Correlation-ID"
	maxIDLen   = 128
)

// headerCandidates are consulted in order for an incoming id.
var headerCandidates = []string{
	HeaderName,
	"X-Request-ID",
	"X-Correlation-ID",
}

type contextKey struct{}

// EnsureRequest returns req with a correlation id on its context and
// headers, reusing a valid incoming id when there is one.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	id, ok := FromContext(req.Context())
	if !ok {
		id = FromHeaders(req.Header)
		if id == "" {
			id = NewID()
		}
		req = req.WithContext(WithContext(req.Context(), id))
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

// WithContext stores a normalized correlation identifier in context. Invalid
// ids leave ctx unchanged.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(contextKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// FromHeaders returns the first valid id among the known headers.
func FromHeaders(headers http.Header) string {
	for _, header := range headerCandidates {
		if id := normalizeID(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

// NewID returns a fresh correlation identifier.
func NewID() string {
	return "corr-" + uuid.NewString()
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
