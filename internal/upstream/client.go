package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/fastjson"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultMaxElapsed = 10 * time.Second
	maxBodyBytes      = 32 << 20
)

// Options configures a Client.
type Options struct {
	Timeout time.Duration
	// MaxElapsed bounds the total retry time for 5xx and network errors.
	// Zero uses the default; a negative value disables retries.
	MaxElapsed time.Duration
	Transport  http.RoundTripper
	Username   string
	Password   string
	Logger     *slog.Logger
}

// Client issues requests against one backend with retry on transient
// failures. 4xx answers are never retried.
type Client struct {
	backend    string
	baseURL    string
	http       *http.Client
	maxElapsed time.Duration
	username   string
	password   string
	logger     *slog.Logger
}

// Request describes one backend call relative to the client's base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// Response is a successful (2xx) backend answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func NewClient(backend, baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed == 0 {
		maxElapsed = defaultMaxElapsed
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend:    backend,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:       &http.Client{Timeout: timeout, Transport: transport},
		maxElapsed: maxElapsed,
		username:   opts.Username,
		password:   opts.Password,
		logger:     logger,
	}
}

// Backend returns the backend name used in errors and logs.
func (c *Client) Backend() string {
	return c.backend
}

// Do sends the request and returns the 2xx response. Failures unwrap to
// ErrNotFound (404), ErrUpstreamUnavailable (network, 5xx, other 4xx) or
// surface as *AuthError (401/403).
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target, err := c.url(req)
	if err != nil {
		return nil, err
	}

	var (
		result  *Response
		lastErr error
	)
	op := func() error {
		resp, err := c.attempt(ctx, req, target)
		if err != nil {
			lastErr = err
			return err
		}
		result = resp
		return nil
	}

	if c.maxElapsed < 0 {
		err = op()
	} else {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = c.maxElapsed
		err = backoff.Retry(op, backoff.WithContext(bo, ctx))
	}
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		var permanent *backoff.PermanentError
		if errors.As(lastErr, &permanent) {
			lastErr = permanent.Err
		}
		c.logger.Debug("upstream request failed", "backend", c.backend, "path", req.Path, "error", lastErr)
		return nil, lastErr
	}
	return result, nil
}

func (c *Client) attempt(ctx context.Context, req Request, target string) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build %s request: %w", c.backend, err))
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(&Error{Backend: c.backend, Err: fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())})
		}
		return nil, &Error{Backend: c.backend, Err: fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Backend: c.backend, Status: resp.StatusCode, Err: fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(&AuthError{Backend: c.backend, Status: resp.StatusCode})
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(&Error{Backend: c.backend, Status: resp.StatusCode, Snippet: Snippet(body), Err: ErrNotFound})
	case resp.StatusCode >= 500:
		return nil, &Error{Backend: c.backend, Status: resp.StatusCode, Snippet: Snippet(body), Err: ErrUpstreamUnavailable}
	default:
		return nil, backoff.Permanent(&Error{Backend: c.backend, Status: resp.StatusCode, Snippet: Snippet(body), Err: ErrUpstreamUnavailable})
	}
}

func (c *Client) url(req Request) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("%s base url is not configured", c.backend)
	}
	target := c.baseURL
	if req.Path != "" {
		target += "/" + strings.TrimLeft(req.Path, "/")
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	return target, nil
}

// ParseJSON parses a 2xx body. Non-JSON bodies map to ErrMalformedPayload.
func (c *Client) ParseJSON(p *fastjson.Parser, body []byte) (*fastjson.Value, error) {
	value, err := p.ParseBytes(body)
	if err != nil {
		return nil, &Error{Backend: c.backend, Snippet: Snippet(body), Err: fmt.Errorf("%w: %v", ErrMalformedPayload, err)}
	}
	return value, nil
}

// Malformed builds an ErrMalformedPayload error for an unexpected shape.
func (c *Client) Malformed(reason string, body []byte) error {
	return &Error{Backend: c.backend, Snippet: Snippet(body), Err: fmt.Errorf("%w: %s", ErrMalformedPayload, reason)}
}
