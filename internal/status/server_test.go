package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagtime/internal/health"
	"tagtime/internal/pinglog"
	"tagtime/internal/reconcile"
	"tagtime/internal/session"
	"tagtime/internal/store"
)

var t0 = time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)

type fakeSession struct {
	mu        sync.Mutex
	pending   *session.PendingPing
	answers   []string
	queued    bool
	submitErr error
	reports   []reconcile.Report
	graph     string
}

func (f *fakeSession) Status(ctx context.Context) (session.Status, error) {
	logged := t0.Add(-20 * time.Minute)
	passAt := t0.Add(-10 * time.Minute)
	return session.Status{
		User:       "alice",
		Running:    true,
		StartedAt:  t0,
		KeyOrigin:  "shared_secret",
		AverageGap: "45m0s",
		Misfire:    "smart",
		NextPing:   t0.Add(12*time.Minute + 34*time.Second),
		LastPing:   logged,
		LastLogged: &logged,
		Beeminder:  true,
		Breaker:    "closed",
		Schema:     3,
		Graphs: []session.GraphStatus{{
			Graph:      "work",
			Accept:     []string{"code", "job"},
			BookmarkID: "dp1",
			LastPassAt: &passAt,
		}},
	}, nil
}

func (f *fakeSession) NextPings(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = t0.Add(time.Duration(i+1) * time.Hour)
	}
	return out
}

func (f *fakeSession) Pending() (session.PendingPing, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		return session.PendingPing{}, false
	}
	return *f.pending, true
}

func (f *fakeSession) Answer(answers ...string) error {
	tags, err := pinglog.CleanTags(answers...)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		return session.ErrNoPendingPing
	}
	f.answers = tags
	f.pending = nil
	return nil
}

func (f *fakeSession) RequestSubmit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queued {
		return false
	}
	f.queued = true
	return true
}

func (f *fakeSession) Submit(ctx context.Context) ([]reconcile.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports, f.submitErr
}

func (f *fakeSession) History(ctx context.Context, graph string, limit int) ([]store.PassRecord, error) {
	f.mu.Lock()
	f.graph = graph
	f.mu.Unlock()
	return []store.PassRecord{{ID: "p1", Graph: "work", Created: 2}}, nil
}

func (f *fakeSession) TagCounts(ctx context.Context, limit int) ([]store.TagCount, error) {
	return []store.TagCount{{Tag: "job", Count: 3}, {Tag: "afk", Count: 1}}[:min(limit, 2)], nil
}

func newTestServer(t *testing.T, fs *fakeSession) *httptest.Server {
	t.Helper()
	checker := health.NewChecker()
	checker.RegisterFunc("database", true, func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusHealthy}
	})
	checker.SetReady(true)

	srv := New(Options{
		Session: fs,
		Health:  checker,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("tagtime_up 1\n"))
		}),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, reqBody string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(reqBody))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, &fakeSession{})

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)

	resp, body = do(t, http.MethodGet, ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tagtime_up 1\n", string(body))
}

func TestGetStatus(t *testing.T) {
	ts := newTestServer(t, &fakeSession{})

	resp, body := do(t, http.MethodGet, ts.URL+"/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st session.Status
	require.NoError(t, json.Unmarshal(body, &st))
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.AssertJson(t, "status", st)
}

func TestNextPings(t *testing.T) {
	ts := newTestServer(t, &fakeSession{})

	resp, body := do(t, http.MethodGet, ts.URL+"/pings/next?n=3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var next []time.Time
	require.NoError(t, json.Unmarshal(body, &next))
	assert.Len(t, next, 3)

	resp, _ = do(t, http.MethodGet, ts.URL+"/pings/next?n=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPendingAndAnswer(t *testing.T) {
	fs := &fakeSession{}
	ts := newTestServer(t, fs)

	resp, _ := do(t, http.MethodGet, ts.URL+"/pings/pending", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/pings/answer", `{"tags":"job"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	fs.mu.Lock()
	fs.pending = &session.PendingPing{ID: "abc", Time: t0, Deadline: t0.Add(time.Minute)}
	fs.mu.Unlock()
	resp, body := do(t, http.MethodGet, ts.URL+"/pings/pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"id":"abc"`)

	resp, _ = do(t, http.MethodPost, ts.URL+"/pings/answer", `{"tags":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/pings/answer", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/pings/answer", `{"tags":"job code"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	fs.mu.Lock()
	assert.Equal(t, []string{"job", "code"}, fs.answers)
	fs.mu.Unlock()
}

func TestSubmit(t *testing.T) {
	fs := &fakeSession{}
	ts := newTestServer(t, fs)

	resp, body := do(t, http.MethodPost, ts.URL+"/submit", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"queued":true}`, string(body))
	_, body = do(t, http.MethodPost, ts.URL+"/submit", "")
	assert.JSONEq(t, `{"queued":false}`, string(body))

	fs.setSubmit([]reconcile.Report{
		{ID: "p1", Graph: "work", Full: true, Plan: reconcile.Plan{Intents: []reconcile.Intent{{Kind: reconcile.Create}}}},
		{ID: "p2", Graph: "play", Err: errors.New("boom")},
	}, errors.New("boom"))
	resp, body = do(t, http.MethodPost, ts.URL+"/submit?wait=true", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var sr SubmitResponse
	require.NoError(t, json.Unmarshal(body, &sr))
	require.Len(t, sr.Passes, 2)
	assert.Equal(t, 1, sr.Passes[0].Created)
	assert.Empty(t, sr.Passes[0].Error)
	assert.Equal(t, reconcile.UserMessage("play"), sr.Passes[1].Error)

	fs.setSubmit(nil, session.ErrNotConfigured)
	resp, _ = do(t, http.MethodPost, ts.URL+"/submit?wait=1", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHistoryAndTags(t *testing.T) {
	fs := &fakeSession{}
	ts := newTestServer(t, fs)

	resp, body := do(t, http.MethodGet, ts.URL+"/graphs/work/passes?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "work", fs.graph)
	assert.Contains(t, string(body), `"created":2`)

	resp, body = do(t, http.MethodGet, ts.URL+"/tags?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"tag":"job","count":3}]`, string(body))
}

func TestServeAndShutdown(t *testing.T) {
	srv := New(Options{Session: &fakeSession{}})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, _ := do(t, http.MethodGet, "http://"+ln.Addr().String()+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func (f *fakeSession) setSubmit(reports []reconcile.Report, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = reports
	f.submitErr = err
}
