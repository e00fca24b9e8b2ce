package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tagtime/internal/session"
	"tagtime/internal/store"
)

// ErrNotFound is returned when the daemon has nothing at the requested path,
// for example when no ping is pending.
var ErrNotFound = errors.New("status: not found")

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tagtimed: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Client talks to a running daemon's status API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr, either "host:port" or a URL.
func NewClient(addr string, hc *http.Client) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{base: strings.TrimRight(addr, "/"), http: hc}
}

// Status fetches the session status.
func (c *Client) Status(ctx context.Context) (session.Status, error) {
	var st session.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// NextPings fetches the next n fire times.
func (c *Client) NextPings(ctx context.Context, n int) ([]time.Time, error) {
	var out []time.Time
	err := c.do(ctx, http.MethodGet, "/pings/next?n="+strconv.Itoa(n), nil, &out)
	return out, err
}

// Pending fetches the ping waiting for an answer. It returns ErrNotFound
// when there is none.
func (c *Client) Pending(ctx context.Context) (session.PendingPing, error) {
	var p session.PendingPing
	err := c.do(ctx, http.MethodGet, "/pings/pending", nil, &p)
	return p, err
}

// Answer tags the pending ping.
func (c *Client) Answer(ctx context.Context, tags string) error {
	return c.do(ctx, http.MethodPost, "/pings/answer", AnswerRequest{Tags: tags}, nil)
}

// Submit queues a submit, or with wait runs one and returns its passes.
// A failed pass yields an *APIError alongside the decoded passes.
func (c *Client) Submit(ctx context.Context, wait bool) (SubmitResponse, error) {
	var resp SubmitResponse
	path := "/submit"
	if wait {
		path += "?wait=true"
	}
	err := c.do(ctx, http.MethodPost, path, nil, &resp)
	return resp, err
}

// Passes fetches recent passes, for one graph or all.
func (c *Client) Passes(ctx context.Context, graph string, limit int) ([]store.PassRecord, error) {
	path := "/passes"
	if graph != "" {
		path = "/graphs/" + url.PathEscape(graph) + "/passes"
	}
	var out []store.PassRecord
	err := c.do(ctx, http.MethodGet, path+"?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

// Tags fetches the most used tags.
func (c *Client) Tags(ctx context.Context, limit int) ([]store.TagCount, error) {
	var out []store.TagCount
	err := c.do(ctx, http.MethodGet, "/tags?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact tagtimed at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	var apiErr error
	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		var eb errorBody
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		apiErr = &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && apiErr == nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return apiErr
}
