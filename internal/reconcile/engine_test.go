package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagtime/internal/datapoint"
)

var testGraph = Graph{Name: "work", Precision: 2}

func newTestEngine(r *fakeRemote, s *fakeState, opts Options) *Engine {
	return NewEngine(r, s, opts)
}

func TestRunFetchFailure(t *testing.T) {
	r := &fakeRemote{fetchAllErr: errBoom}
	s := newFakeState()
	obs := &recordingObserver{}
	e := newTestEngine(r, s, Options{Observer: obs})

	var rep Report
	require.NotPanics(t, func() {
		rep = e.Run(context.Background(), testGraph, []datapoint.Point{local(d0, 1)})
	})

	assert.True(t, rep.FetchFailed())
	assert.ErrorIs(t, rep.Err, ErrFetchFailed)
	assert.ErrorIs(t, rep.Err, errBoom)
	assert.Zero(t, r.mutations)
	assert.Empty(t, rep.Plan.Intents)
	assert.True(t, s.resync["work"])
	require.Len(t, obs.reports, 1)
	assert.Equal(t, rep.ID, obs.reports[0].ID)
}

func TestRunIsIdempotent(t *testing.T) {
	r := &fakeRemote{points: []datapoint.Point{
		remote("a", d0, 1.0),
		remote("b", d0, 1.5),
		sentinel("s", d0+day, 2),
		remote("c", d0+3*day, 5),
	}}
	s := newFakeState()
	s.resync["work"] = true
	e := newTestEngine(r, s, Options{})
	loc := []datapoint.Point{local(d0, 2.5), local(d0+day, 1.0/3), local(d0+2*day, 0.75), local(d0+4*day, 1)}

	first := e.Run(context.Background(), testGraph, loc)
	require.NoError(t, first.Err)
	assert.NotZero(t, first.Plan.Pending())
	assert.False(t, s.resync["work"])

	// A full pass over the service's new state finds nothing to do.
	s.resync["work"] = true
	second := e.Run(context.Background(), testGraph, loc)
	require.NoError(t, second.Err)
	assert.Zero(t, second.Plan.Pending(), "second plan: %v", second.Plan.Intents)

	// So does the bookmark shortcut.
	third := e.Run(context.Background(), testGraph, loc)
	require.NoError(t, third.Err)
	assert.False(t, third.Full)
	assert.Zero(t, third.Plan.Pending())
}

func TestMergeIsIdempotentOnItsOwnOutput(t *testing.T) {
	rem := []datapoint.Point{remote("a", d0, 1.0), remote("b", d0, 1.5), remote("c", d0+2*day, 3)}
	loc := []datapoint.Point{local(d0, 2.5), local(d0+day, 2)}

	plan := Merge(rem, loc, d0, 2)
	var applied []datapoint.Point
	for i, in := range plan.Intents {
		switch in.Kind {
		case Delete:
		case Create:
			p := in.Point
			p.ID = string(rune('x' + i))
			applied = append(applied, p)
		default:
			applied = append(applied, in.Point)
		}
	}

	again := Merge(applied, loc, d0, 2)
	assert.Zero(t, again.Pending(), "%v", again.Intents)
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	r := &fakeRemote{points: []datapoint.Point{remote("a", d0, 1), remote("b", d0+day, 1)}, failCall: 2}
	s := newFakeState()
	e := newTestEngine(r, s, Options{})

	intents := []Intent{
		{Kind: Noop, Point: remote("a", d0, 1)},
		{Kind: Create, Point: local(d0+2*day, 2)},
		{Kind: Update, Point: remote("b", d0+day, 3)},
		{Kind: Delete, Point: remote("a", d0, 1)},
	}
	res := e.Execute(context.Background(), testGraph, intents)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 2, res.Failed)
	assert.ErrorIs(t, res.Err, ErrSubmitFailed)
	assert.ErrorIs(t, res.Err, errBoom)

	var se *SubmitError
	require.True(t, errors.As(res.Err, &se))
	assert.Equal(t, Update, se.Intent.Kind)

	assert.Equal(t, []string{"create", "update b"}, r.calls, "the delete after the failure is never attempted")
	assert.True(t, s.resync["work"])
	assert.Equal(t, Bookmark{ID: "new1", Timestamp: d0 + 2*day}, s.bookmarks["work"])
}

func TestInterruptedPassIsNotResubmitted(t *testing.T) {
	r := &fakeRemote{points: []datapoint.Point{remote("a", d0, 1)}, exitOn: 2}
	s := newFakeState()
	e := newTestEngine(r, s, Options{})
	loc := []datapoint.Point{local(d0, 1), local(d0+day, 2), local(d0+2*day, 3)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(context.Background(), testGraph, loc)
	}()
	<-done

	assert.True(t, s.resync["work"], "a pass that dies mid-way leaves the resync flag up")
	assert.Equal(t, Bookmark{ID: "new1", Timestamp: d0 + day}, s.bookmarks["work"])

	r.exitOn = 0
	rep := e.Run(context.Background(), testGraph, loc)
	require.NoError(t, rep.Err)
	assert.True(t, rep.Full)
	assert.Equal(t, []Kind{Noop, Noop, Create}, kinds(rep.Plan))

	perDay := map[int64]int{}
	for _, p := range r.points {
		perDay[p.Timestamp]++
	}
	assert.Equal(t, map[int64]int{d0: 1, d0 + day: 1, d0 + 2*day: 1}, perDay)
	assert.False(t, s.resync["work"])
}

func TestExecuteRaisesResyncBeforeMutating(t *testing.T) {
	r := &fakeRemote{}
	s := &resyncRecorder{fakeState: newFakeState(), remote: r}
	e := NewEngine(r, s, Options{})

	res := e.Execute(context.Background(), testGraph, []Intent{{Kind: Create, Point: local(d0, 1)}})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"resync=true mutations=0", "resync=false mutations=1"}, s.log)
}

func TestExecuteNoopPlanLeavesResyncAlone(t *testing.T) {
	r := &fakeRemote{}
	s := &resyncRecorder{fakeState: newFakeState(), remote: r}
	e := NewEngine(r, s, Options{})

	res := e.Execute(context.Background(), testGraph, []Intent{{Kind: Noop, Point: remote("a", d0, 1)}})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"resync=false mutations=0"}, s.log)
}

func TestRunUsesBookmark(t *testing.T) {
	r := &fakeRemote{points: []datapoint.Point{remote("a", d0, 1), remote("b", d0+day, 2)}}
	s := newFakeState()
	s.bookmarks["work"] = Bookmark{ID: "b", Timestamp: d0 + day}
	e := newTestEngine(r, s, Options{})

	rep := e.Run(context.Background(), testGraph,
		[]datapoint.Point{local(d0, 7), local(d0+day, 2), local(d0+2*day, 1)})
	require.NoError(t, rep.Err)

	assert.False(t, rep.Full)
	assert.Equal(t, "fetch b", r.calls[0])
	assert.NotContains(t, r.calls, "fetchall")
	assert.Equal(t, []Kind{Noop, Create}, kinds(rep.Plan), "days before the bookmark are left alone")
	assert.Equal(t, Bookmark{ID: "new1", Timestamp: d0 + 2*day}, s.bookmarks["work"])
}

func TestRunFallsBackToFullFetch(t *testing.T) {
	r := &fakeRemote{points: []datapoint.Point{remote("a", d0, 1)}, fetchErr: errBoom}
	s := newFakeState()
	s.bookmarks["work"] = Bookmark{ID: "gone", Timestamp: d0}
	e := newTestEngine(r, s, Options{})

	rep := e.Run(context.Background(), testGraph, []datapoint.Point{local(d0, 1)})
	require.NoError(t, rep.Err)
	assert.True(t, rep.Full)
	assert.Equal(t, []string{"fetch gone", "fetchall"}, r.calls)
	assert.Equal(t, Bookmark{ID: "a", Timestamp: d0}, s.bookmarks["work"])
}

func TestRunTimeoutCountsAsFailure(t *testing.T) {
	r := &fakeRemote{block: true}
	s := newFakeState()
	e := newTestEngine(r, s, Options{Timeout: 20 * time.Millisecond})

	rep := e.Run(context.Background(), testGraph, []datapoint.Point{local(d0, 1)})
	assert.ErrorIs(t, rep.Err, ErrSubmitFailed)
	assert.ErrorIs(t, rep.Err, context.DeadlineExceeded)
	assert.Equal(t, 0, rep.Result.Failed)
	assert.True(t, s.resync["work"])
}

func TestRunRecoversTransportPanic(t *testing.T) {
	r := &fakeRemote{panicOn: true}
	s := newFakeState()
	e := newTestEngine(r, s, Options{})

	var rep Report
	require.NotPanics(t, func() {
		rep = e.Run(context.Background(), testGraph, []datapoint.Point{local(d0, 1)})
	})
	assert.ErrorIs(t, rep.Err, ErrSubmitFailed)
	assert.True(t, s.resync["work"])
}

func TestRunClearsResyncAfterCompletePass(t *testing.T) {
	r := &fakeRemote{}
	s := newFakeState()
	s.resync["work"] = true
	e := newTestEngine(r, s, Options{})

	rep := e.Run(context.Background(), testGraph, []datapoint.Point{local(d0, 1), local(d0+day, 2)})
	require.NoError(t, rep.Err)
	assert.True(t, rep.Full)
	assert.Equal(t, []Kind{Create, Create}, kinds(rep.Plan))
	assert.False(t, s.resync["work"])
	assert.Equal(t, "new2", s.bookmarks["work"].ID)
}
