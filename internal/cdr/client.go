package cdr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ongoingai/calltrace/internal/upstream"
	"github.com/valyala/fastjson"
)

const (
	backendName       = "cdr"
	sessionKey        = "session"
	sqlPath           = "/php/model/sql.php"
	defaultSessionTTL = time.Hour
	defaultLimit      = 10
)

// Config configures the CDR client.
type Config struct {
	BaseURL  string
	User     string
	Password string
	// ForcedSession pins the session cookie and skips login.
	ForcedSession string
	SessionTTL    time.Duration
	HTTP          upstream.Options
}

// Filter selects CDR listing rows. DateFrom is mandatory upstream.
type Filter struct {
	DateFrom string
	DateTo   string
	Caller   string
	Called   string
	CallID   string
	// CallerdType selects which party fcaller/fcalled match against.
	CallerdType *int
	// Basename matches the recording file base name.
	Basename    string
	MinDuration *int
	MaxDuration *int
	Limit       int
	Start       int
}

// Listing is one page of CDR rows.
type Listing struct {
	Success bool     `json:"success"`
	Total   string   `json:"total"`
	Results []Record `json:"results"`
}

// Client talks to the CDR listing API with a cached session.
type Client struct {
	api           *upstream.Client
	user          string
	password      string
	forcedSession string
	sessions      *expirable.LRU[string, string]
	loginMu       sync.Mutex
	parsers       fastjson.ParserPool
	logger        *slog.Logger
}

func NewClient(cfg Config) *Client {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	logger := cfg.HTTP.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:           upstream.NewClient(backendName, cfg.BaseURL, cfg.HTTP),
		user:          cfg.User,
		password:      cfg.Password,
		forcedSession: strings.TrimSpace(cfg.ForcedSession),
		sessions:      expirable.NewLRU[string, string](1, nil, ttl),
		logger:        logger,
	}
}

// Find returns the rows matching filter. An empty result is not an error.
func (c *Client) Find(ctx context.Context, filter Filter) ([]Record, error) {
	listing, err := c.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return listing.Results, nil
}

// FindOne returns the first matching row or upstream.ErrNotFound.
func (c *Client) FindOne(ctx context.Context, filter Filter) (Record, error) {
	filter.Limit = 1
	records, err := c.Find(ctx, filter)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, fmt.Errorf("cdr lookup: %w", upstream.ErrNotFound)
	}
	return records[0], nil
}

// List runs one listing query. A missing DateFrom fails without a network
// call.
func (c *Client) List(ctx context.Context, filter Filter) (*Listing, error) {
	if strings.TrimSpace(filter.DateFrom) == "" {
		return nil, fmt.Errorf("cdr listing requires date from: %w", upstream.ErrMissingRequiredFilter)
	}

	resp, err := c.withSession(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   sqlPath,
		Query:  listingQuery(filter),
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
		return nil, c.api.Malformed("listing is not an object", resp.Body)
	}

	rows := value.GetArray("results")
	if rows == nil {
		rows = value.GetArray("data")
	}
	listing := &Listing{
		Success: true,
		Results: make([]Record, 0, len(rows)),
	}
	if success := value.Get("success"); success != nil && success.Type() == fastjson.TypeFalse {
		listing.Success = false
	}
	if total := scalar(value, "total"); total.IsKnown() {
		listing.Total = total.String()
	} else {
		listing.Total = strconv.Itoa(len(rows))
	}
	for _, row := range rows {
		if row.Type() != fastjson.TypeObject {
			continue
		}
		listing.Results = append(listing.Results, recordFromJSON(row))
	}
	return listing, nil
}

func listingQuery(filter Filter) url.Values {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	query := url.Values{}
	query.Set("task", "LISTING")
	query.Set("module", "CDR")
	query.Set("limit", strconv.Itoa(limit))
	query.Set("start", strconv.Itoa(max(filter.Start, 0)))
	query.Set("fdatefrom", filter.DateFrom)
	setIfPresent(query, "fdateto", filter.DateTo)
	setIfPresent(query, "fcaller", filter.Caller)
	setIfPresent(query, "fcalled", filter.Called)
	setIfPresent(query, "fcallid", filter.CallID)
	setIfPresent(query, "fbasename", filter.Basename)
	if filter.CallerdType != nil {
		query.Set("fcallerd_type", strconv.Itoa(*filter.CallerdType))
	}
	if filter.MinDuration != nil {
		query.Set("fdurationgt", strconv.Itoa(*filter.MinDuration))
	}
	if filter.MaxDuration != nil {
		query.Set("fdurationlt", strconv.Itoa(*filter.MaxDuration))
	}
	return query
}

func setIfPresent(query url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		query.Set(key, value)
	}
}

// withSession sends req with the session cookie. A rejected cached session
// is evicted and the request retried once after a fresh login.
func (c *Client) withSession(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	session, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.api.Do(ctx, withCookie(req, session))
	var authErr *upstream.AuthError
	if err == nil || !errors.As(err, &authErr) || c.forcedSession != "" {
		return resp, err
	}

	c.logger.Warn("cdr session rejected, logging in again", "status", authErr.Status)
	c.sessions.Remove(sessionKey)
	session, err = c.session(ctx)
	if err != nil {
		return nil, err
	}
	resp, err = c.api.Do(ctx, withCookie(req, session))
	if errors.As(err, &authErr) {
		c.sessions.Remove(sessionKey)
	}
	return resp, err
}

func withCookie(req upstream.Request, session string) upstream.Request {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Cookie", "PHPSESSID="+session)
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header = header
	return req
}

func (c *Client) session(ctx context.Context) (string, error) {
	if c.forcedSession != "" {
		return c.forcedSession, nil
	}
	if session, ok := c.sessions.Get(sessionKey); ok {
		return session, nil
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if session, ok := c.sessions.Get(sessionKey); ok {
		return session, nil
	}
	session, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.sessions.Add(sessionKey, session)
	return session, nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	query := url.Values{}
	query.Set("module", "bypass_login")
	query.Set("user", c.user)
	query.Set("pass", c.password)

	resp, err := c.api.Do(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   sqlPath,
		Query:  query,
		Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
	})
	if err != nil {
		return "", fmt.Errorf("cdr login: %w", err)
	}

	session := parseSession(&c.parsers, resp.Body)
	if session == "" {
		return "", fmt.Errorf("cdr login: %w", c.api.Malformed("no session id in login response", resp.Body))
	}
	c.logger.Info("cdr login succeeded", "user", c.user)
	return session, nil
}

// parseSession accepts {"SID": "..."}, a JSON string, or a bare token.
func parseSession(pool *fastjson.ParserPool, body []byte) string {
	p := pool.Get()
	defer pool.Put(p)

	value, err := p.ParseBytes(body)
	if err != nil {
		token := strings.TrimSpace(string(body))
		if token == "" || strings.ContainsAny(token, " <>{}\n") {
			return ""
		}
		return token
	}
	switch value.Type() {
	case fastjson.TypeString:
		return strings.TrimSpace(string(value.GetStringBytes()))
	case fastjson.TypeObject:
		return strings.TrimSpace(string(value.GetStringBytes("SID")))
	default:
		return ""
	}
}
