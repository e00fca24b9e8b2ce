package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tagtime/internal/config"
	"tagtime/internal/datapoint"
	"tagtime/internal/notify"
)

// fakeClock only moves when told to.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{at: c.now.Add(d), ch: ch})
	return ch
}

// Set moves the clock to t and fires every waiter due by then.
func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(t) {
			w.ch <- t
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Waiters returns the number of pending After calls.
func (c *fakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// fakeTransport is an in-memory remote keyed by graph.
type fakeTransport struct {
	mu       sync.Mutex
	graphs   map[string][]datapoint.Point
	nextID   int
	fetchErr error
	creates  int
	calls    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{graphs: map[string][]datapoint.Point{}}
}

func (f *fakeTransport) FetchAll(ctx context.Context, graph string) ([]datapoint.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fetchall "+graph)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]datapoint.Point(nil), f.graphs[graph]...), nil
}

func (f *fakeTransport) Fetch(ctx context.Context, graph, id string, ts int64) (datapoint.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fetch "+graph)
	if f.fetchErr != nil {
		return datapoint.Point{}, f.fetchErr
	}
	for _, p := range f.graphs[graph] {
		if p.ID == id {
			return p, nil
		}
	}
	return datapoint.Point{}, errors.New("not found")
}

func (f *fakeTransport) Create(ctx context.Context, graph string, p datapoint.Point) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create "+graph)
	f.nextID++
	f.creates++
	p.ID = fmt.Sprintf("dp%d", f.nextID)
	pts := append(f.graphs[graph], p)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Timestamp < pts[j].Timestamp })
	f.graphs[graph] = pts
	return p.ID, nil
}

func (f *fakeTransport) Update(ctx context.Context, graph string, p datapoint.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update "+graph)
	for i := range f.graphs[graph] {
		if f.graphs[graph][i].ID == p.ID {
			f.graphs[graph][i] = p
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeTransport) Delete(ctx context.Context, graph, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+graph)
	pts := f.graphs[graph]
	for i := range pts {
		if pts[i].ID == id {
			f.graphs[graph] = append(pts[:i], pts[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeTransport) points(graph string) []datapoint.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datapoint.Point(nil), f.graphs[graph]...)
}

func (f *fakeTransport) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// recordingNotifier remembers what it was asked to show.
type recordingNotifier struct {
	mu        sync.Mutex
	shown     []notify.Notification
	dismissed int
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, n)
	return nil
}

func (r *recordingNotifier) Dismiss(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dismissed++
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.shown))
	for i, n := range r.shown {
		out[i] = n.Body
	}
	return out
}

var testNow = time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.User = "alice"
	cfg.DataDir = t.TempDir()
	cfg.Schedule.SharedSecret = "correct horse battery"
	cfg.Schedule.WindowTimeoutSec = 60
	cfg.Schedule.MisfireThresholdSec = 60
	cfg.Beeminder.AuthToken = "test-token"
	cfg.Beeminder.Graphs = []string{"work|job code"}
	cfg.Logging.Output = "stderr"
	cfg.Notify.Enabled = false
	cfg.Status.Enabled = false
	return cfg
}

type fixture struct {
	s         *Session
	clock     *fakeClock
	transport *fakeTransport
	notifier  *recordingNotifier
}

func openTest(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:     newFakeClock(testNow),
		transport: newFakeTransport(),
		notifier:  &recordingNotifier{},
	}
	s, err := Open(context.Background(), Options{
		Config:        cfg,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Notifier:      f.notifier,
		Transport:     f.transport,
		Clock:         f.clock,
		Location:      time.UTC,
		WatchDebounce: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f.s = s
	return f
}
