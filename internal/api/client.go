// Package api is the HTTP client for the job service: listings, job
// actions, log deltas and user administration.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout applies to every request
const DefaultTimeout = 30 * time.Second

const requestIDHeader = "X-Request-ID"

// StatusError is a non-2xx response. Message holds the server's explanation
// when the body carried one.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// IsTransient reports whether err is worth retrying on the next poll:
// timeouts, transport failures and 5xx responses
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// Options configures a Client
type Options struct {
	// BaseURL is the server root, e.g. http://localhost:8000
	BaseURL string
	// Prefix is prepended to every path, e.g. /api
	Prefix     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Now is the client clock used to stamp snapshots, alone or to refine
	// the server's Date header
	Now func() time.Time
}

// Client talks to the job service. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	prefix  string
	timeout time.Duration
	http    *http.Client
	log     *slog.Logger
	now     func() time.Time
}

// New returns a Client for opts.BaseURL
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https: %q", opts.BaseURL)
	}
	c := &Client{
		base:    base,
		prefix:  "/" + strings.Trim(opts.Prefix, "/"),
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if c.prefix == "/" {
		c.prefix = ""
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// response is a decoded reply plus the metadata callers need
type response struct {
	started time.Time
	date    time.Time
}

// stamp returns when the reply was produced: the server's Date header, or
// the request start time without one. Date has one-second resolution, so a
// request start inside that second is the tighter bound.
func (r response) stamp() time.Time {
	if r.date.IsZero() {
		return r.started
	}
	if !r.started.Before(r.date) && r.started.Before(r.date.Add(time.Second)) {
		return r.started
	}
	return r.date
}

// do sends one request and decodes a JSON reply into out, if non-nil
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + c.prefix + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set(requestIDHeader, requestID)

	res := response{started: c.now()}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("request failed", "method", method, "path", path, "request_id", requestID, "error", err)
		return res, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if d := resp.Header.Get("Date"); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			res.date = t
		}
	}
	c.log.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "request_id", requestID)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return res, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return res, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return res, nil
}

// errorMessage extracts "detail" or "message" from an error body, falling
// back to the raw text
func errorMessage(r io.Reader) string {
	const limit = 4096
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return ""
	}
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		var detail string
		if len(body.Detail) > 0 && json.Unmarshal(body.Detail, &detail) == nil && detail != "" {
			return detail
		}
		if body.Message != "" {
			return body.Message
		}
		if len(body.Detail) > 0 {
			// validation errors arrive as a list
			return string(body.Detail)
		}
	}
	return strings.TrimSpace(string(data))
}

// ActionResult is the reply to a job or user action
type ActionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// action posts to an action endpoint. A 2xx reply with success=false is
// reported as an error carrying the server's message.
func (c *Client) action(ctx context.Context, method, path string, body any) (ActionResult, error) {
	var out ActionResult
	if _, err := c.do(ctx, method, path, nil, body, &out); err != nil {
		return out, err
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "request rejected"
		}
		return out, fmt.Errorf("%s %s: %s", method, path, msg)
	}
	return out, nil
}
