// Package reconcile brings a remote graph in line with the hours computed
// from the local ping log.
//
// Merge is a pure function from (remote, local) to a Plan of intents. The
// Engine wraps it with the I/O: it picks between a bookmark fetch and a full
// fetch, executes the plan against a Transport, and maintains the per-graph
// bookmark and resync flag so an interrupted pass is repaired by the next one.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tagtime/internal/datapoint"
)

// Transport is the remote graph service.
type Transport interface {
	FetchAll(ctx context.Context, graph string) ([]datapoint.Point, error)
	Fetch(ctx context.Context, graph, id string, timestamp int64) (datapoint.Point, error)
	Create(ctx context.Context, graph string, p datapoint.Point) (string, error)
	Update(ctx context.Context, graph string, p datapoint.Point) error
	Delete(ctx context.Context, graph, id string) error
}

// Bookmark identifies the most recent point known to be on the remote graph.
type Bookmark struct {
	ID        string
	Timestamp int64
}

// StateStore persists per-graph reconciliation state.
type StateStore interface {
	Bookmark(ctx context.Context, graph string) (Bookmark, bool, error)
	SetBookmark(ctx context.Context, graph string, b Bookmark) error
	Resync(ctx context.Context, graph string) (bool, error)
	SetResync(ctx context.Context, graph string, resync bool) error
}

// Observer is told about every finished pass.
type Observer interface {
	PassFinished(ctx context.Context, r Report)
}

// Observers fans a report out to each observer in order.
type Observers []Observer

func (o Observers) PassFinished(ctx context.Context, r Report) {
	for _, obs := range o {
		if obs != nil {
			obs.PassFinished(ctx, r)
		}
	}
}

// Graph is one remote graph and the precision its hours are compared at.
type Graph struct {
	Name      string
	Precision int
}

// Options configures an Engine.
type Options struct {
	// Timeout bounds each network call. Zero means no per-call bound.
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer Observer
}

// Engine runs reconciliation passes. One Engine may serve several graphs,
// but passes for the same graph must not overlap.
type Engine struct {
	transport Transport
	state     StateStore
	timeout   time.Duration
	logger    *slog.Logger
	observer  Observer
}

// NewEngine creates an engine.
func NewEngine(t Transport, s StateStore, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		transport: t,
		state:     s,
		timeout:   opts.Timeout,
		logger:    logger,
		observer:  opts.Observer,
	}
}

// Result is the outcome of executing a plan.
type Result struct {
	// Applied counts intents that completed, including no-ops.
	Applied int
	// Failed is the index of the first failed intent, or -1.
	Failed int
	// LastCreated is the last point created during execution, if any.
	LastCreated *Bookmark
	Err         error
}

// Report describes a whole pass.
type Report struct {
	ID       string
	Graph    string
	Full     bool
	Plan     Plan
	Result   Result
	Started  time.Time
	Finished time.Time
	Err      error
}

// Reconcile fetches the remote side of g and merges local against it.
// A fetch failure sets the resync flag and returns an error wrapping
// ErrFetchFailed.
func (e *Engine) Reconcile(ctx context.Context, g Graph, local []datapoint.Point) (Plan, error) {
	plan, _, err := e.reconcile(ctx, g, local)
	return plan, err
}

func (e *Engine) reconcile(ctx context.Context, g Graph, local []datapoint.Point) (Plan, bool, error) {
	log := e.logger.With(slog.String("graph", g.Name))

	resync, err := e.state.Resync(ctx, g.Name)
	if err != nil {
		log.Warn("read resync flag", "error", err)
		resync = true
	}

	var remote []datapoint.Point
	full := true
	if !resync {
		if p, ok := e.fetchBookmarked(ctx, g.Name, log); ok {
			remote = []datapoint.Point{p}
			full = false
		}
	}

	if full {
		all, err := e.fetchAll(ctx, g.Name)
		if err != nil {
			e.markResync(ctx, g.Name, log)
			return Plan{}, true, &FetchError{Graph: g.Name, Err: err}
		}
		remote = all
		if n := len(remote); n > 0 && remote[n-1].Remote() {
			last := remote[n-1]
			if err := e.state.SetBookmark(ctx, g.Name, Bookmark{ID: last.ID, Timestamp: last.Timestamp}); err != nil {
				log.Warn("save bookmark", "error", err)
			}
		}
	}

	var resetDate int64
	if len(remote) > 0 {
		resetDate = remote[0].Timestamp
	}
	return Merge(remote, local, resetDate, g.Precision), full, nil
}

func (e *Engine) fetchBookmarked(ctx context.Context, graph string, log *slog.Logger) (datapoint.Point, bool) {
	bm, ok, err := e.state.Bookmark(ctx, graph)
	if err != nil {
		log.Warn("read bookmark", "error", err)
		return datapoint.Point{}, false
	}
	if !ok || bm.ID == "" {
		return datapoint.Point{}, false
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	p, err := e.transport.Fetch(callCtx, graph, bm.ID, bm.Timestamp)
	if err != nil {
		log.Info("bookmark fetch failed, falling back to full fetch", "bookmark", bm.ID, "error", err)
		return datapoint.Point{}, false
	}
	return p, true
}

func (e *Engine) fetchAll(ctx context.Context, graph string) ([]datapoint.Point, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	points, err := e.transport.FetchAll(callCtx, graph)
	if err != nil {
		return nil, err
	}
	datapoint.SortByTimestamp(points)
	return points, nil
}

// Execute applies intents in order and stops at the first failure. The
// resync flag is raised before the first remote call and cleared only once
// every intent has been applied, so a pass that dies partway is always
// followed by a full fetch. Each created point becomes the bookmark as soon
// as the service accepts it.
func (e *Engine) Execute(ctx context.Context, g Graph, intents []Intent) Result {
	log := e.logger.With(slog.String("graph", g.Name))
	res := Result{Failed: -1}

	if (Plan{Intents: intents}).Pending() > 0 {
		if err := e.state.SetResync(context.WithoutCancel(ctx), g.Name, true); err != nil {
			res.Failed = 0
			res.Err = &SubmitError{Graph: g.Name, Index: 0, Intent: intents[0], Err: fmt.Errorf("set resync flag: %w", err)}
			log.Error("set resync flag", "error", err)
			return res
		}
	}

	for i, in := range intents {
		err := e.apply(ctx, g.Name, in, &res)
		if err != nil {
			res.Failed = i
			res.Err = &SubmitError{Graph: g.Name, Index: i, Intent: in, Err: err}
			log.Warn("intent failed", "index", i, "kind", in.Kind.String(), "error", err)
			return res
		}
		res.Applied++
		if in.Kind == Create {
			if err := e.state.SetBookmark(context.WithoutCancel(ctx), g.Name, *res.LastCreated); err != nil {
				log.Warn("save bookmark", "error", err)
			}
		}
	}

	if err := e.state.SetResync(context.WithoutCancel(ctx), g.Name, false); err != nil {
		log.Warn("clear resync flag", "error", err)
	}
	return res
}

func (e *Engine) apply(ctx context.Context, graph string, in Intent, res *Result) error {
	if in.Kind == Noop {
		return nil
	}
	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	switch in.Kind {
	case Create:
		id, err := e.transport.Create(callCtx, graph, in.Point)
		if err != nil {
			return err
		}
		res.LastCreated = &Bookmark{ID: id, Timestamp: in.Point.Timestamp}
		return nil
	case Update:
		return e.transport.Update(callCtx, graph, in.Point)
	case Delete:
		return e.transport.Delete(callCtx, graph, in.Point.ID)
	default:
		return fmt.Errorf("unknown intent kind %v", in.Kind)
	}
}

// Run performs a complete pass for g. It never panics on transport
// misbehaviour; every failure is reported through Report.Err and leaves the
// resync flag set. The flag is cleared only after a pass that executed
// every intent.
func (e *Engine) Run(ctx context.Context, g Graph, local []datapoint.Point) (r Report) {
	r = Report{ID: uuid.NewString(), Graph: g.Name, Started: time.Now(), Result: Result{Failed: -1}}
	log := e.logger.With(slog.String("graph", g.Name), slog.String("pass_id", r.ID))

	defer func() {
		if p := recover(); p != nil {
			r.Err = fmt.Errorf("%w: panic: %v", ErrSubmitFailed, p)
			log.Error("pass panicked", "panic", p)
			e.markResync(ctx, g.Name, log)
		}
		r.Finished = time.Now()
		if e.observer != nil {
			e.observer.PassFinished(ctx, r)
		}
	}()

	plan, full, err := e.reconcile(ctx, g, local)
	r.Full = full
	if err != nil {
		r.Err = err
		log.Warn(UserMessage(g.Name), "error", err)
		return r
	}
	r.Plan = plan

	r.Result = e.Execute(ctx, g, plan.Intents)
	if r.Result.Err != nil {
		r.Err = r.Result.Err
		log.Warn(UserMessage(g.Name), "error", r.Err)
		return r
	}

	if err := e.state.SetResync(ctx, g.Name, false); err != nil {
		log.Warn("clear resync flag", "error", err)
	}
	counts := plan.Counts()
	log.Info("pass complete",
		"full", full,
		"created", counts[Create],
		"updated", counts[Update],
		"deleted", counts[Delete])
	return r
}

// Failed reports whether the pass ended early.
func (r Report) Failed() bool {
	return r.Err != nil
}

// FetchFailed reports whether the pass never got past the fetch.
func (r Report) FetchFailed() bool {
	return errors.Is(r.Err, ErrFetchFailed)
}

func (e *Engine) markResync(ctx context.Context, graph string, log *slog.Logger) {
	if err := e.state.SetResync(context.WithoutCancel(ctx), graph, true); err != nil {
		log.Error("set resync flag", "error", err)
	}
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
