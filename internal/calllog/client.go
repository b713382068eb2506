package calllog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ongoingai/calltrace/internal/callid"
	"github.com/ongoingai/calltrace/internal/upstream"
	"github.com/valyala/fastjson"
)

// Config holds the two call-log endpoints. Identifiers with a dot are
// served by the dialer endpoint, all others by the leads endpoint.
type Config struct {
	DialerURL string
	LeadsURL  string
	APIKey    string
	HTTP      upstream.Options
}

// Entry is the raw log fetched for one call identifier. It is never
// modified after Fetch returns.
type Entry struct {
	ID   string
	Type callid.Type
	// Text is the log body from debug.log or log.
	Text string
	// Raw is the unprocessed backend answer.
	Raw []byte
}

// Client fetches call logs.
type Client struct {
	dialer  *upstream.Client
	leads   *upstream.Client
	apiKey  string
	parsers fastjson.ParserPool
}

func NewClient(cfg Config) *Client {
	return &Client{
		dialer: upstream.NewClient("calllog-dialer", cfg.DialerURL, cfg.HTTP),
		leads:  upstream.NewClient("calllog-leads", cfg.LeadsURL, cfg.HTTP),
		apiKey: cfg.APIKey,
	}
}

// Fetch returns the log entry for id. A 404 or a body with success=false
// maps to upstream.ErrNotFound.
func (c *Client) Fetch(ctx context.Context, id string) (*Entry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("call id is required: %w", upstream.ErrMissingRequiredFilter)
	}

	api := c.leads
	if strings.Contains(id, ".") {
		api = c.dialer
	}
	query := url.Values{}
	if c.apiKey != "" {
		query.Set("api-key", c.apiKey)
	}
	resp, err := api.Do(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   "/" + url.PathEscape(id),
		Query:  query,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch call log %q: %w", id, err)
	}

	p := c.parsers.Get()
	defer c.parsers.Put(p)

	value, err := api.ParseJSON(p, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch call log %q: %w", id, err)
	}
	if value.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("fetch call log %q: %w", id, api.Malformed("call log is not an object", resp.Body))
	}
	if success := value.Get("success"); success != nil && success.Type() == fastjson.TypeFalse {
		return nil, fmt.Errorf("call log %q: %w", id, upstream.ErrNotFound)
	}

	text := value.GetStringBytes("debug", "log")
	if len(text) == 0 {
		text = value.GetStringBytes("log")
	}
	return &Entry{
		ID:   id,
		Type: callid.Classify(id),
		Text: string(text),
		Raw:  resp.Body,
	}, nil
}
