package sbc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ongoingai/calltrace/internal/upstream"
	"github.com/valyala/fastjson"
)

const samplePayload = `{
	"***meta***": {"version": "3.1"},
	"0x0B": {"leg_id": 2, "timestamp": "2024-05-01 10:00:00", "calling": "971501112222", "called": "0585254194", "route": null,
		"call_traces": {"b": {"order": 2, "trace_info": "200 OK", "direction": 2, "trace_tooltip": "SIP/2.0 200"},
			"a": {"order": 1, "trace_info": "INVITE", "direction": 1, "trace_tooltip": "INVITE sip:..."},
			"***meta***": {"order": 0},
			"c": {"trace_info": "no order"}}},
	"0x0A": {"timestamp": 1714557600, "calling": "1"},
	"junk": "not a call"
}`

func TestParse(t *testing.T) {
	t.Parallel()

	var p fastjson.Parser
	payload, err := Parse(&p, []byte(samplePayload))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if payload.Version != "3.1" {
		t.Fatalf("Version=%q, want 3.1", payload.Version)
	}
	if len(payload.Calls) != 2 {
		t.Fatalf("len(Calls)=%d, want 2", len(payload.Calls))
	}
	call := payload.Calls[0]
	if call.Key != "0x0B" || call.Calling() != "971501112222" || call.Called() != "0585254194" {
		t.Fatalf("unexpected call %+v", call)
	}
	if _, ok := call.Attr("route"); ok {
		t.Fatal("null route should be absent")
	}
	if legID, _ := call.Attr("leg_id"); legID != "2" {
		t.Fatalf("leg_id=%q, want 2", legID)
	}
	if len(call.Steps) != 2 {
		t.Fatalf("len(Steps)=%d, want 2", len(call.Steps))
	}
	if ts, ok := payload.Calls[1].StartedAt(); !ok || !ts.Equal(time.Unix(1714557600, 0)) {
		t.Fatalf("StartedAt()=%v,%v", ts, ok)
	}
}

func TestParseRejectsNonObject(t *testing.T) {
	t.Parallel()

	var p fastjson.Parser
	if _, err := Parse(&p, []byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for array payload")
	}
}

func TestSingleCallKeepsMeta(t *testing.T) {
	t.Parallel()

	var p fastjson.Parser
	payload, err := Parse(&p, []byte(samplePayload))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	raw, ok := payload.SingleCall("0x0A")
	if !ok {
		t.Fatal("expected call 0x0A")
	}
	single, err := Parse(&p, raw)
	if err != nil {
		t.Fatalf("Parse(single) error: %v", err)
	}
	if single.Version != "3.1" || len(single.Calls) != 1 || single.Calls[0].Key != "0x0A" {
		t.Fatalf("unexpected single payload %s", raw)
	}
	if _, ok := payload.SingleCall("missing"); ok {
		t.Fatal("expected no payload for unknown key")
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, raw := range []string{"1714557600", "1714557600000", "2024-05-01 10:00:00", "2024-05-01T10:00:00Z"} {
		got, ok := ParseTimestamp(raw)
		if !ok || !got.Equal(want) {
			t.Fatalf("ParseTimestamp(%q)=%v,%v, want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseTimestamp("yesterday"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestFormatStart(t *testing.T) {
	t.Parallel()

	got := FormatStart(time.Date(2024, 5, 1, 22, 30, 0, 0, time.UTC), 4*time.Hour)
	if got != "2024-05-02 02:30:00" {
		t.Fatalf("FormatStart()=%q", got)
	}
}

func TestClientFetch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call_trace" {
			t.Errorf("path=%q, want /call_trace", r.URL.Path)
		}
		user, pass, _ := r.BasicAuth()
		query := r.URL.Query()
		if user != "ro" || pass != "pw" || query.Get("nb_result") != "2" || query.Get("recursive") != "yes" ||
			query.Get("calling") != "0501" || query.Get("start") != "2024-05-01 14:00:00" {
			t.Errorf("unexpected request %s user=%q", r.URL.RawQuery, user)
		}
		_, _ = w.Write([]byte(samplePayload))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, User: "ro", Password: "pw", ClockOffset: 4 * time.Hour, HTTP: upstream.Options{MaxElapsed: -1}})
	payload, err := client.Fetch(context.Background(), Filter{
		Calling:   "0501",
		Recursive: true,
		Start:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(payload.Calls) != 2 {
		t.Fatalf("len(Calls)=%d, want 2", len(payload.Calls))
	}
}

func TestClientZeroClockOffsetSendsUTC(t *testing.T) {
	t.Parallel()

	starts := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		starts <- r.URL.Query().Get("start")
		_, _ = w.Write([]byte(samplePayload))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, HTTP: upstream.Options{MaxElapsed: -1}})
	if _, err := client.Fetch(context.Background(), Filter{Start: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if got := <-starts; got != "2024-05-01 10:00:00" {
		t.Fatalf("start=%q, want UTC wall time", got)
	}
}

func TestClientFetchNonJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, HTTP: upstream.Options{MaxElapsed: -1}})
	if _, err := client.Fetch(context.Background(), Filter{}); !errors.Is(err, upstream.ErrMalformedPayload) {
		t.Fatalf("Fetch() error=%v, want ErrMalformedPayload", err)
	}
	if _, err := client.FetchRaw(context.Background(), Filter{}); !errors.Is(err, upstream.ErrMalformedPayload) {
		t.Fatalf("FetchRaw() error=%v, want ErrMalformedPayload", err)
	}
}
