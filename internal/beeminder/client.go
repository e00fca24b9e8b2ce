// Package beeminder is the HTTP transport for Beeminder graphs. It
// implements reconcile.Transport.
package beeminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"tagtime/internal/datapoint"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://www.beeminder.com/api/v1"

// resetComments are the comments Beeminder gives points it inserts when a
// goal is reset or unfrozen.
var resetComments = map[string]bool{
	"Reset today":   true,
	"Unfroze today": true,
}

// BreakerSettings configures the circuit breaker around API calls.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings returns 5 failures / 60s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 60 * time.Second}
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Username   string
	AuthToken  string
	Precision  int
	HTTPClient *http.Client
	Logger     *slog.Logger
	Breaker    BreakerSettings
	// Location is the zone days are bucketed in. Nil means time.Local.
	Location *time.Location
}

// Client talks to one user's goals.
type Client struct {
	base      string
	username  string
	token     string
	precision int
	http      *http.Client
	logger    *slog.Logger
	breaker   *gobreaker.CircuitBreaker
	loc       *time.Location
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.Username == "" {
		return nil, errors.New("beeminder: username is required")
	}
	if opts.AuthToken == "" {
		return nil, errors.New("beeminder: auth token is required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bs := opts.Breaker
	if bs.ConsecutiveFailures == 0 {
		bs = DefaultBreakerSettings()
	}

	c := &Client{
		base:      base,
		username:  opts.Username,
		token:     opts.AuthToken,
		precision: opts.Precision,
		http:      httpClient,
		logger:    logger.With(slog.String("component", "beeminder")),
		loc:       opts.Location,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "beeminder",
		Timeout: bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
		IsSuccessful: countsAsSuccess,
	})
	return c, nil
}

// countsAsSuccess keeps client-side problems from tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, ErrUnauthorized) || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Temporary()
	}
	return false
}

// BaseURL returns the API root in use.
func (c *Client) BaseURL() string {
	return c.base
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// FetchAll returns every datapoint of graph, sorted by timestamp. Records
// that do not look like datapoints are skipped.
func (c *Client) FetchAll(ctx context.Context, graph string) ([]datapoint.Point, error) {
	body, err := c.do(ctx, http.MethodGet, c.datapointsPath(graph), nil)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("beeminder: decode datapoints: %w", err)
	}

	points := make([]datapoint.Point, 0, len(raws))
	for i, raw := range raws {
		r, err := decodeRecord(raw, true)
		if err != nil {
			c.logger.Warn("skipping datapoint", "graph", graph, "index", i, "error", err)
			continue
		}
		points = append(points, c.toPoint(r, r.Timestamp))
	}
	datapoint.SortByTimestamp(points)
	return points, nil
}

// Fetch returns a single datapoint. The API does not report the timestamp
// of a single point, so the caller's is used.
func (c *Client) Fetch(ctx context.Context, graph, id string, timestamp int64) (datapoint.Point, error) {
	if id == "" {
		return datapoint.Point{}, errors.New("beeminder: empty datapoint id")
	}
	body, err := c.do(ctx, http.MethodGet, c.datapointPath(graph, id), nil)
	if err != nil {
		return datapoint.Point{}, err
	}
	r, err := decodeRecord(unwrapFirst(body), false)
	if err != nil {
		return datapoint.Point{}, fmt.Errorf("beeminder: %w", err)
	}
	return c.toPoint(r, timestamp), nil
}

// Create adds p to graph and returns its new id.
func (c *Client) Create(ctx context.Context, graph string, p datapoint.Point) (string, error) {
	body, err := c.do(ctx, http.MethodPost, c.datapointsPath(graph), c.form(p))
	if err != nil {
		return "", err
	}
	var r struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(unwrapFirst(body), &r); err != nil {
		return "", fmt.Errorf("beeminder: decode created datapoint: %w", err)
	}
	if r.ID == "" {
		return "", errors.New("beeminder: created datapoint has no id")
	}
	return r.ID, nil
}

// Update overwrites the datapoint p.ID.
func (c *Client) Update(ctx context.Context, graph string, p datapoint.Point) error {
	if p.ID == "" {
		return errors.New("beeminder: update without datapoint id")
	}
	_, err := c.do(ctx, http.MethodPut, c.datapointPath(graph, p.ID), c.form(p))
	return err
}

// Delete removes the datapoint id.
func (c *Client) Delete(ctx context.Context, graph, id string) error {
	if id == "" {
		return errors.New("beeminder: delete without datapoint id")
	}
	_, err := c.do(ctx, http.MethodDelete, c.datapointPath(graph, id), nil)
	return err
}

func (c *Client) toPoint(r record, timestamp int64) datapoint.Point {
	p := datapoint.Point{
		ID:        r.ID,
		Timestamp: datapoint.StartOfDay(timestamp, c.loc),
		Hours:     r.Value,
		Comment:   r.Comment,
	}
	if resetComments[r.Comment] {
		p.Marker = datapoint.MarkerReset
	}
	return p
}

func (c *Client) form(p datapoint.Point) url.Values {
	v := url.Values{}
	v.Set("timestamp", strconv.FormatInt(p.Timestamp, 10))
	v.Set("value", datapoint.FormatHours(p.Hours, c.precision))
	if p.Comment != "" {
		v.Set("comment", p.Comment)
	}
	return v
}

func (c *Client) datapointsPath(graph string) string {
	return fmt.Sprintf("/users/%s/goals/%s/datapoints.json", url.PathEscape(c.username), url.PathEscape(graph))
}

func (c *Client) datapointPath(graph, id string) string {
	return fmt.Sprintf("/users/%s/goals/%s/datapoints/%s.json",
		url.PathEscape(c.username), url.PathEscape(graph), url.PathEscape(id))
}

// do sends a request through the breaker. The auth token travels in the
// query string for reads and deletes and in the form body otherwise.
func (c *Client) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, form)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("beeminder: %s %s: %w", method, path, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	target := c.base + path
	var body io.Reader
	if form != nil {
		form.Set("auth_token", c.token)
		body = strings.NewReader(form.Encode())
	} else {
		target += "?" + url.Values{"auth_token": {c.token}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("beeminder: build request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("beeminder: %s %s: %w", method, path, redact(err, c.token))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("beeminder: read response: %w", err)
	}
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w; %s", ErrUnauthorized, TokenHint(c.base))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	return data, nil
}

// unwrapFirst returns the first element if body is a JSON array.
func unwrapFirst(body []byte) json.RawMessage {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil && len(arr) > 0 {
		return arr[0]
	}
	return body
}

// redact strips the token from transport errors, which quote the URL.
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "REDACTED"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
