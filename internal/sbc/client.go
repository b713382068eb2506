package sbc

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/calltrace/internal/upstream"
	"github.com/valyala/fastjson"
)

const (
	backendName        = "sbc"
	callTracePath      = "/call_trace"
	defaultResultLimit = 2
	startLayout        = "2006-01-02 15:04:05"
)

// Config configures the SBC client.
type Config struct {
	BaseURL     string
	User        string
	Password    string
	ResultLimit int
	// ClockOffset shifts start filters into the SBC's local time. Zero
	// means the SBC runs on UTC.
	ClockOffset time.Duration
	HTTP        upstream.Options
}

// Filter selects calls from the call_trace API.
type Filter struct {
	Calling     string
	Called      string
	ResultLimit int
	Recursive   bool
	// Start limits results to calls after this instant.
	Start time.Time
}

// Client fetches call traces from the SBC.
type Client struct {
	api         *upstream.Client
	resultLimit int
	clockOffset time.Duration
	parsers     fastjson.ParserPool
}

func NewClient(cfg Config) *Client {
	opts := cfg.HTTP
	opts.Username = cfg.User
	opts.Password = cfg.Password
	limit := cfg.ResultLimit
	if limit <= 0 {
		limit = defaultResultLimit
	}
	return &Client{
		api:         upstream.NewClient(backendName, cfg.BaseURL, opts),
		resultLimit: limit,
		clockOffset: cfg.ClockOffset,
	}
}

// Fetch runs one call_trace query. An answer that is not a JSON object is
// reported as upstream.ErrMalformedPayload.
func (c *Client) Fetch(ctx context.Context, filter Filter) (*Payload, error) {
	resp, err := c.api.Do(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   callTracePath,
		Query:  c.query(filter),
		Header: http.Header{"Content-Type": {"application/json"}},
	})
	if err != nil {
		return nil, err
	}

	p := c.parsers.Get()
	defer c.parsers.Put(p)

	payload, err := Parse(p, resp.Body)
	if err != nil {
		return nil, c.api.Malformed(err.Error(), resp.Body)
	}
	return payload, nil
}

// FetchRaw runs one call_trace query and returns the body as received.
func (c *Client) FetchRaw(ctx context.Context, filter Filter) ([]byte, error) {
	resp, err := c.api.Do(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   callTracePath,
		Query:  c.query(filter),
	})
	if err != nil {
		return nil, err
	}
	p := c.parsers.Get()
	defer c.parsers.Put(p)
	value, err := c.api.ParseJSON(p, resp.Body)
	if err != nil {
		return nil, err
	}
	if value.Type() != fastjson.TypeObject {
		return nil, c.api.Malformed("call_trace payload is not an object", resp.Body)
	}
	return resp.Body, nil
}

func (c *Client) query(filter Filter) url.Values {
	limit := filter.ResultLimit
	if limit <= 0 {
		limit = c.resultLimit
	}
	query := url.Values{}
	query.Set("nb_result", strconv.Itoa(limit))
	if called := strings.TrimSpace(filter.Called); called != "" {
		query.Set("called", called)
	}
	if calling := strings.TrimSpace(filter.Calling); calling != "" {
		query.Set("calling", calling)
	}
	if filter.Recursive {
		query.Set("recursive", "yes")
	} else {
		query.Set("recursive", "no")
	}
	if !filter.Start.IsZero() {
		query.Set("start", FormatStart(filter.Start, c.clockOffset))
	}
	return query
}

// FormatStart renders t as YYYY-MM-DD HH:MM:SS in UTC shifted by offset.
func FormatStart(t time.Time, offset time.Duration) string {
	return t.UTC().Add(offset).Format(startLayout)
}

// ParseStart reads a start filter written in SBC local time. It is the
// inverse of FormatStart.
func ParseStart(raw string, offset time.Duration) (time.Time, error) {
	t, err := time.ParseInLocation(startLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(-offset), nil
}
