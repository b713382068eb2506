package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/valyala/fastjson"
)

func TestClientDoRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		if r.URL.Query().Get("q") != "1" {
			t.Errorf("query q=%q, want 1", r.URL.Query().Get("q"))
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient("test", server.URL, Options{MaxElapsed: 5 * time.Second})
	resp, err := client.Do(context.Background(), Request{Path: "/x", Query: url.Values{"q": {"1"}}})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("body=%q", resp.Body)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls=%d, want 3", got)
	}
}

func TestClientDoDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{name: "not found", status: http.StatusNotFound, check: func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{name: "bad request", status: http.StatusBadRequest, check: func(err error) bool { return errors.Is(err, ErrUpstreamUnavailable) }},
		{name: "unauthorized", status: http.StatusUnauthorized, check: func(err error) bool {
			var authErr *AuthError
			return errors.As(err, &authErr) && authErr.Status == http.StatusUnauthorized
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client := NewClient("test", server.URL, Options{MaxElapsed: 5 * time.Second})
			_, err := client.Do(context.Background(), Request{Path: "x"})
			if err == nil || !tt.check(err) {
				t.Fatalf("Do() error=%v, unexpected classification", err)
			}
			if got := calls.Load(); got != 1 {
				t.Fatalf("calls=%d, want 1", got)
			}
		})
	}
}

func TestClientDoWithoutRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient("test", server.URL, Options{MaxElapsed: -1})
	_, err := client.Do(context.Background(), Request{})
	var upstreamErr *Error
	if !errors.As(err, &upstreamErr) || upstreamErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("Do() error=%v, want *Error with 503", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls=%d, want 1", got)
	}
}

func TestClientBasicAuth(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ro" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient("test", server.URL, Options{Username: "ro", Password: "secret"})
	if _, err := client.Do(context.Background(), Request{}); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
}

func TestClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient("test", "", Options{}).Do(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestParseJSONMalformed(t *testing.T) {
	t.Parallel()

	client := NewClient("test", "http://example.invalid", Options{})
	var p fastjson.Parser
	_, err := client.ParseJSON(&p, []byte("<html>login</html>"))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("ParseJSON() error=%v, want ErrMalformedPayload", err)
	}
	if Kind(err) != "malformed_payload" {
		t.Fatalf("Kind()=%q", Kind(err))
	}
}

func TestKind(t *testing.T) {
	t.Parallel()

	if Kind(&AuthError{Backend: "cdr", Status: 403}) != "auth" {
		t.Fatal("expected auth kind")
	}
	if Kind(&Error{Backend: "cdr", Err: ErrNotFound}) != "not_found" {
		t.Fatal("expected not_found kind")
	}
	if Kind(ErrMissingRequiredFilter) != "missing_required_filter" {
		t.Fatal("expected missing_required_filter kind")
	}
	if Kind(errors.New("boom")) != "unknown" || Kind(nil) != "" {
		t.Fatal("unexpected kind for plain errors")
	}
}

func TestSnippetCutsOnRuneBoundary(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("a", snippetLimit-1) + "é" + strings.Repeat("b", 10)
	got := Snippet([]byte(body))
	if !utf8.ValidString(got) {
		t.Fatalf("Snippet() split a rune: %q", got[len(got)-4:])
	}
	if len(got) != snippetLimit-1 {
		t.Fatalf("len(Snippet())=%d, want %d", len(got), snippetLimit-1)
	}
	if short := Snippet([]byte("  short body \n")); short != "short body" {
		t.Fatalf("Snippet(short)=%q", short)
	}
}
