package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"tagtime/internal/datapoint"
)

var errBoom = errors.New("boom")

// fakeRemote is an in-memory graph service.
type fakeRemote struct {
	mu     sync.Mutex
	points []datapoint.Point
	nextID int

	fetchAllErr error
	fetchErr    error
	// failCall makes the n-th mutating call (1-based) fail.
	failCall int
	// block makes mutating calls wait for their context.
	block bool
	// panicOn makes a mutating call panic.
	panicOn bool
	// exitOn ends the calling goroutine on the n-th mutating call, the way
	// a killed process stops without unwinding through the engine.
	exitOn int

	mutations int
	calls     []string
}

func (f *fakeRemote) FetchAll(ctx context.Context, graph string) ([]datapoint.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fetchall")
	if f.fetchAllErr != nil {
		return nil, f.fetchAllErr
	}
	out := make([]datapoint.Point, len(f.points))
	copy(out, f.points)
	return out, nil
}

func (f *fakeRemote) Fetch(ctx context.Context, graph, id string, ts int64) (datapoint.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fetch "+id)
	if f.fetchErr != nil {
		return datapoint.Point{}, f.fetchErr
	}
	for _, p := range f.points {
		if p.ID == id {
			p.Timestamp = ts
			return p, nil
		}
	}
	return datapoint.Point{}, fmt.Errorf("no point %s", id)
}

func (f *fakeRemote) mutate(ctx context.Context, name string) error {
	f.mutations++
	f.calls = append(f.calls, name)
	if f.panicOn {
		panic("transport exploded")
	}
	if f.exitOn == f.mutations {
		runtime.Goexit()
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.failCall == f.mutations {
		return errBoom
	}
	return nil
}

func (f *fakeRemote) Create(ctx context.Context, graph string, p datapoint.Point) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mutate(ctx, "create"); err != nil {
		return "", err
	}
	f.nextID++
	p.ID = fmt.Sprintf("new%d", f.nextID)
	p.Hours = datapoint.Round(p.Hours, 2)
	f.points = append(f.points, p)
	datapoint.SortByTimestamp(f.points)
	return p.ID, nil
}

func (f *fakeRemote) Update(ctx context.Context, graph string, p datapoint.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mutate(ctx, "update "+p.ID); err != nil {
		return err
	}
	for i := range f.points {
		if f.points[i].ID == p.ID {
			f.points[i].Hours = datapoint.Round(p.Hours, 2)
			f.points[i].Comment = p.Comment
			return nil
		}
	}
	return fmt.Errorf("no point %s", p.ID)
}

func (f *fakeRemote) Delete(ctx context.Context, graph, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mutate(ctx, "delete "+id); err != nil {
		return err
	}
	for i := range f.points {
		if f.points[i].ID == id {
			f.points = append(f.points[:i], f.points[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no point %s", id)
}

// fakeState keeps per-graph state in maps.
type fakeState struct {
	mu        sync.Mutex
	bookmarks map[string]Bookmark
	resync    map[string]bool
}

func newFakeState() *fakeState {
	return &fakeState{bookmarks: map[string]Bookmark{}, resync: map[string]bool{}}
}

func (s *fakeState) Bookmark(ctx context.Context, graph string) (Bookmark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookmarks[graph]
	return b, ok, nil
}

func (s *fakeState) SetBookmark(ctx context.Context, graph string, b Bookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks[graph] = b
	return nil
}

func (s *fakeState) Resync(ctx context.Context, graph string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resync[graph], nil
}

func (s *fakeState) SetResync(ctx context.Context, graph string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resync[graph] = v
	return nil
}

type recordingObserver struct {
	reports []Report
}

func (o *recordingObserver) PassFinished(ctx context.Context, r Report) {
	o.reports = append(o.reports, r)
}

// resyncRecorder notes every resync write together with how many remote
// mutations had happened by then.
type resyncRecorder struct {
	*fakeState
	remote *fakeRemote
	log    []string
}

func (r *resyncRecorder) SetResync(ctx context.Context, graph string, v bool) error {
	r.remote.mu.Lock()
	n := r.remote.mutations
	r.remote.mu.Unlock()
	r.log = append(r.log, fmt.Sprintf("resync=%v mutations=%d", v, n))
	return r.fakeState.SetResync(ctx, graph, v)
}
