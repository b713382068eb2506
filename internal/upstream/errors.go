package upstream

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrNotFound means the backend answered but holds no matching record.
	ErrNotFound = errors.New("upstream record not found")
	// ErrUpstreamUnavailable covers network failures and non-2xx answers.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrMissingRequiredFilter means a lookup lacked a mandatory filter and
	// was never sent.
	ErrMissingRequiredFilter = errors.New("missing required filter")
	// ErrMalformedPayload means a 2xx answer was not JSON or had an
	// unexpected shape.
	ErrMalformedPayload = errors.New("malformed upstream payload")
)

const snippetLimit = 300

// Error carries the backend name, HTTP status and a body snippet of a failed
// upstream call. It unwraps to one of the sentinel errors above.
type Error struct {
	Backend string
	Status  int
	Snippet string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	if e.Status > 0 {
		fmt.Fprintf(&b, " status %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Snippet != "" {
		b.WriteString(": ")
		b.WriteString(e.Snippet)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AuthError reports a rejected session. Adapters re-authenticate on it; it
// only escapes when the retry is rejected as well.
type AuthError struct {
	Backend string
	Status  int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s rejected session (status %d)", e.Backend, e.Status)
}

func (e *AuthError) Unwrap() error {
	return ErrUpstreamUnavailable
}

// Snippet bounds a response body for logs and error messages. The cut
// backs off to a rune boundary.
func Snippet(body []byte) string {
	value := strings.TrimSpace(string(body))
	if len(value) <= snippetLimit {
		return value
	}
	cut := snippetLimit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

// Kind names the taxonomy class of err for logs and annotations.
func Kind(err error) string {
	var authErr *AuthError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMissingRequiredFilter):
		return "missing_required_filter"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "unknown"
	}
}
