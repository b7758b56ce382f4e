// Package backend is the client for the production REST API.
//
// Every endpoint wraps its payload in a slightly different envelope, and
// some endpoints have changed shape over time. Responses are read with gjson
// and normalized here so that callers only ever see typed values; shapes
// other than the canonical {success, data: [...]} are logged once each.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/tidwall/gjson"

	"github.com/jpalmerr/linepulse/internal/poller"
)

// DefaultAPIKeyHeader carries the API key when no header name is configured.
const DefaultAPIKeyHeader = "X-Api-Key"

// ErrFetch classifies failed backend requests.
var ErrFetch = errors.New("fetch error")

// FetchError reports a failed request. Status is zero for transport
// failures and the HTTP status otherwise.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("GET %s: HTTP %d: %v", e.URL, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetch}
	}
	return []error{ErrFetch, e.Err}
}

// Config configures a [Client].
type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Client calls the REST backend.
type Client struct {
	base    string
	http    *poller.Client
	timeout time.Duration
	logger  *slog.Logger

	anomalies sync.Map // envelope shape -> struct{}
}

// New creates a [Client].
func New(cfg Config) *Client {
	headers := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
	}
	if cfg.APIKey != "" {
		name := cfg.APIKeyHeader
		if name == "" {
			name = DefaultAPIKeyHeader
		}
		headers[name] = cfg.APIKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    poller.NewClient(headers),
		timeout: cfg.Timeout,
		logger:  logger.With("component", "backend"),
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.Close()
}

// Query scopes a metrics request.
type Query struct {
	Line      string
	WorkOrder string
	DateFrom  string
	DateTo    string
}

// FormatDate converts a date in any common layout into the non-padded
// YYYY-M-D form the backend expects.
func FormatDate(s string) (string, error) {
	t, err := dateparse.ParseIn(strings.TrimSpace(s), time.Local)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t.Format("2006-1-2"), nil
}

// addDates sets tanggalfrom and tanggalto. A single supplied date fills
// both.
func (q Query) addDates(v url.Values) error {
	from, to := strings.TrimSpace(q.DateFrom), strings.TrimSpace(q.DateTo)
	if from == "" {
		from = to
	}
	if to == "" {
		to = from
	}
	if from == "" {
		return nil
	}
	f, err := FormatDate(from)
	if err != nil {
		return err
	}
	t, err := FormatDate(to)
	if err != nil {
		return err
	}
	v.Set("tanggalfrom", f)
	v.Set("tanggalto", t)
	return nil
}

// get performs a GET and returns the parsed body. Non-2xx statuses and
// invalid JSON are errors.
func (c *Client) get(ctx context.Context, path string, params url.Values) (gjson.Result, error) {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	resp := c.http.Fetch(ctx, http.MethodGet, u, nil, c.timeout)
	if resp.Error != nil {
		return gjson.Result{}, &FetchError{URL: u, Err: resp.Error}
	}
	if !resp.OK() {
		return gjson.Result{}, &FetchError{URL: u, Status: resp.StatusCode}
	}
	if !gjson.ValidBytes(resp.Body) {
		return gjson.Result{}, &FetchError{URL: u, Status: resp.StatusCode, Err: errors.New("invalid JSON body")}
	}
	c.logger.Debug("backend response", "url", u, "status", resp.StatusCode, "latency", resp.Latency)
	return gjson.ParseBytes(resp.Body), nil
}

// anomaly logs an unexpected envelope shape the first time it is seen.
func (c *Client) anomaly(endpoint, shape string) {
	if _, seen := c.anomalies.LoadOrStore(endpoint+"|"+shape, struct{}{}); seen {
		return
	}
	c.logger.Warn("unexpected response shape", "endpoint", endpoint, "shape", shape)
}

func successful(env gjson.Result) bool {
	if s := env.Get("success"); s.Exists() {
		return s.Bool()
	}
	return strings.EqualFold(env.Get("status").String(), "success")
}
