// Package session runs one user's TagTime instance.
//
// A Session owns everything tied to a user: the data directory lock, the
// state store, the ping schedule derived from the user's key, the ping log,
// and the reconciliation engine that pushes logged hours to Beeminder. Open
// wires these together, Start catches up on pings missed while the daemon
// was down and launches the background loops, and Close tears it all down.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tagtime/internal/beeminder"
	"tagtime/internal/config"
	"tagtime/internal/logging"
	"tagtime/internal/metrics"
	"tagtime/internal/notify"
	"tagtime/internal/pinglog"
	"tagtime/internal/reconcile"
	"tagtime/internal/schedule"
	"tagtime/internal/security"
	"tagtime/internal/store"
	"tagtime/internal/tags"
	"tagtime/internal/watcher"
)

var (
	// ErrNotConfigured is returned by Submit when no Beeminder credentials
	// are configured.
	ErrNotConfigured = errors.New("session: beeminder is not configured")

	// ErrNoPendingPing is returned by Answer when no ping is waiting.
	ErrNoPendingPing = errors.New("session: no ping is waiting for an answer")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session: already started")
)

// Ping log tags written by the daemon itself.
var (
	TagsTimedOut = []string{"afk", "RETRO"}
	TagsMissed   = []string{"afk", "off", "RETRO"}
)

// Options configures Open. Only Config is required.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// Notifier defaults to notify.New when notifications are enabled.
	Notifier notify.Notifier
	Metrics  *metrics.Collector
	Crash    *logging.CrashHandler

	// Transport replaces the Beeminder client.
	Transport  reconcile.Transport
	HTTPClient *http.Client

	Clock    Clock
	Location *time.Location

	// WatchDebounce is how long the ping log must be quiet before an edit
	// is examined. Zero means watcher.DefaultDebounce.
	WatchDebounce time.Duration
}

// Session is one running user instance.
type Session struct {
	mu sync.RWMutex

	User      string
	StartedAt time.Time

	cfg       *config.Config
	lock      *security.DirLock
	db        *store.Store
	state     *store.UserStore
	sched     *schedule.Scheduler
	keyOrigin security.KeyOrigin
	log       *pinglog.Log
	watch     *watcher.Watcher
	debounce  time.Duration

	transport    reconcile.Transport
	ownTransport bool
	httpClient   *http.Client
	engine       *reconcile.Engine
	graphs       []tags.GraphEntry

	notifier    notify.Notifier
	ownNotifier bool
	metrics     *metrics.Collector
	crash       *logging.CrashHandler
	logger      *slog.Logger
	clock       Clock
	loc         *time.Location

	submitMu   sync.Mutex
	submitReq  chan struct{}
	lastSubmit time.Time

	pending  *PendingPing
	nextPing time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	closed  bool
}

// Open prepares a session for cfg.User. Nothing runs until Start.
func Open(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("session: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	s := &Session{
		User:       cfg.User,
		cfg:        cfg.Clone(),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		crash:      opts.Crash,
		clock:      opts.Clock,
		loc:        opts.Location,
		notifier:   opts.Notifier,
		httpClient: opts.HTTPClient,
		debounce:   opts.WatchDebounce,
		submitReq:  make(chan struct{}, 1),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "session"), slog.String("user", cfg.User))
	if s.metrics == nil {
		s.metrics = metrics.NewCollector()
	}
	if s.crash == nil {
		s.crash = logging.NewCrashHandler(logging.CrashHandlerConfig{
			Dir:       logging.CrashDir(cfg.DataDir),
			Component: "session",
			Logger:    s.logger,
		})
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.debounce == 0 {
		s.debounce = watcher.DefaultDebounce
	}

	ok := false
	defer func() {
		if !ok {
			s.release()
		}
	}()

	lock, err := security.LockDataDir(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("lock data directory: %w", err)
	}
	s.lock = lock

	s.db, err = store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	s.state = s.db.ForUser(cfg.User)

	seq, origin, err := security.ResolveSequence(ctx, security.KeySource{
		Key:          cfg.Schedule.Key,
		SharedSecret: cfg.Schedule.SharedSecret,
		User:         cfg.User,
	}, s.state)
	if err != nil {
		return nil, fmt.Errorf("resolve ping key: %w", err)
	}
	s.keyOrigin = origin

	s.sched, err = schedule.New(seq, schedule.Options{
		MeanGap:     cfg.AverageGap(),
		RepeatCount: schedule.RepeatForever,
		Misfire:     cfg.Misfire(),
	})
	if err != nil {
		return nil, err
	}

	s.log, err = pinglog.Open(cfg.PingLogPath())
	if err != nil {
		return nil, err
	}

	if opts.Transport != nil {
		s.transport = opts.Transport
	}
	if err := s.configure(cfg); err != nil {
		return nil, err
	}

	if s.notifier == nil {
		if cfg.Notify.Enabled {
			s.notifier = notify.New(cfg.Notify.AppName, s.logger)
		} else {
			s.notifier = notify.NewLog(s.logger)
		}
		s.ownNotifier = true
	}

	s.logger.Info("session opened",
		slog.String("key_origin", string(origin)),
		slog.Duration("average_gap", s.sched.MeanGap()),
		slog.String("misfire_policy", s.sched.MisfirePolicy().String()),
		slog.Int("graphs", len(s.graphs)),
	)
	ok = true
	return s, nil
}

// configure (re)builds the graph list and the transport from cfg.
func (s *Session) configure(cfg *config.Config) error {
	graphs, err := tags.ParseGraphEntries(cfg.Beeminder.Graphs)
	if err != nil {
		return err
	}

	transport := s.transport
	own := s.ownTransport
	if transport == nil || own {
		transport, own = nil, false
		if cfg.Beeminder.AuthToken != "" {
			client, err := beeminder.New(beeminder.Options{
				BaseURL:    cfg.Beeminder.BaseURL,
				Username:   cfg.BeeminderUser(),
				AuthToken:  cfg.Beeminder.AuthToken,
				Precision:  cfg.Beeminder.Precision,
				HTTPClient: s.httpClient,
				Logger:     s.logger,
				Breaker:    beeminder.DefaultBreakerSettings(),
				Location:   s.loc,
			})
			if err != nil {
				return err
			}
			transport, own = client, true
		}
	}

	var engine *reconcile.Engine
	if transport != nil {
		engine = reconcile.NewEngine(transport, s.state, reconcile.Options{
			Timeout:  cfg.RequestTimeout(),
			Logger:   s.logger.With(slog.String("component", "reconcile")),
			Observer: reconcile.Observers{s.state, s.metrics},
		})
	}

	s.mu.Lock()
	s.cfg = cfg.Clone()
	s.graphs = graphs
	s.transport = transport
	s.ownTransport = own
	s.engine = engine
	s.mu.Unlock()
	return nil
}

// ApplyConfig adopts a reloaded configuration. Graphs and Beeminder
// credentials change immediately; the schedule keeps the parameters it was
// opened with.
func (s *Session) ApplyConfig(cfg *config.Config) error {
	s.mu.RLock()
	old := s.cfg
	s.mu.RUnlock()

	if cfg.AverageGap() != old.AverageGap() || cfg.Schedule.Key != old.Schedule.Key ||
		cfg.Schedule.SharedSecret != old.Schedule.SharedSecret {
		s.logger.Warn("schedule settings changed; restart the daemon to apply them")
	}

	// a new token or account needs a new client
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if err := s.configure(cfg); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	s.logger.Info("configuration reloaded", slog.Int("graphs", len(cfg.Beeminder.Graphs)))
	return nil
}

// Start logs the pings missed since the last logged one and launches the
// ping loop, the submit worker and the ping log watcher. It returns the
// catch-up summary.
func (s *Session) Start(ctx context.Context) (StartReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return StartReport{}, ErrAlreadyStarted
	}
	s.running = true
	s.StartedAt = s.clock.Now()
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	report, err := s.CatchUp(ctx)
	if err != nil {
		s.stop()
		return StartReport{}, err
	}
	s.logger.Info(report.Message)

	w, err := watcher.New(s.log.Path(), s.debounce)
	if err == nil {
		err = w.Start()
	}
	if err != nil {
		s.logger.Warn("ping log watcher unavailable", slog.Any("error", err))
	} else {
		s.watch = w
		s.goSupervised("log-watcher", s.watchLog)
	}

	s.goSupervised("ping-loop", func(ctx context.Context) error {
		return s.RunPings(ctx, report.Now)
	})
	s.goSupervised("submit-worker", s.submitWorker)

	s.mu.RLock()
	onStart := s.cfg.Beeminder.SubmitOnStart
	s.mu.RUnlock()
	if onStart {
		s.RequestSubmit()
	}
	return report, nil
}

func (s *Session) goSupervised(task string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.crash.Supervise(s.ctx, task, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("background task stopped", slog.String("task", task), slog.Any("error", err))
		}
	}()
}

// StartReport summarizes the catch-up done by Start.
type StartReport struct {
	Now time.Time
	// Missed is the number of pings logged as missed.
	Missed int
	// LastPing is the most recent fire time before Now.
	LastPing time.Time
	Message  string
}

// CatchUp logs every ping that fired between the last logged ping and now
// as missed.
func (s *Session) CatchUp(ctx context.Context) (StartReport, error) {
	now := s.clock.Now()
	r := StartReport{Now: now}

	lastLogged, ok, err := s.log.LastTimestamp()
	if err != nil {
		return r, err
	}
	if ok {
		var missed []pinglog.Ping
		// the log keeps whole seconds; skip the logged ping's own fire time
		after := time.Unix(lastLogged+1, 0).Add(-time.Millisecond)
		for _, t := range s.sched.FiringsBetween(after, now) {
			missed = append(missed, pinglog.Ping{Time: t.In(s.loc), Tags: TagsMissed})
		}
		if err := s.log.AppendAll(missed); err != nil {
			return r, fmt.Errorf("log missed pings: %w", err)
		}
		r.Missed = len(missed)
		for range missed {
			s.metrics.PingLogged(metrics.PingMissed)
		}
	}

	r.LastPing, _ = s.sched.FireTimeBefore(now, true)
	r.Message = fmt.Sprintf("TagTime is watching you, %s! Last ping would've been %s ago.",
		s.User, FormatHMS(now.Sub(r.LastPing)))
	if r.Missed > 0 {
		s.logger.Info("logged missed pings", slog.Int("count", r.Missed))
	}
	return r, nil
}

// watchLog flags every graph for a full resync when something other than
// this session edits the ping log.
func (s *Session) watchLog(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-s.watch.Errors():
			if !ok {
				return nil
			}
			s.logger.Warn("ping log watcher", slog.Any("error", err))
		case ev, ok := <-s.watch.Events():
			if !ok {
				return nil
			}
			if !s.log.ExternallyModified(ev.Hash) {
				continue
			}
			s.metrics.ExternalEditDetected()
			if err := s.state.MarkAllResync(ctx, s.graphNames()); err != nil {
				s.logger.Warn("flag graphs for resync", slog.Any("error", err))
				continue
			}
			s.logger.Info("ping log edited externally; next submit fetches every graph in full")
		}
	}
}

func (s *Session) graphNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.graphs))
	for i, g := range s.graphs {
		names[i] = g.Graph
	}
	return names
}

// NextPings returns the next n fire times after now.
func (s *Session) NextPings(n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := s.clock.Now()
	for i := 0; i < n; i++ {
		t, _ = s.sched.FireTimeAfter(t, true)
		out = append(out, t)
	}
	return out
}

// NextPing returns the first fire time after now.
func (s *Session) NextPing() time.Time {
	t, _ := s.sched.FireTimeAfter(s.clock.Now(), true)
	return t
}

// LastPing returns the last fire time before now.
func (s *Session) LastPing() time.Time {
	t, _ := s.sched.FireTimeBefore(s.clock.Now(), true)
	return t
}

// Metrics returns the session's metrics collector.
func (s *Session) Metrics() *metrics.Collector {
	return s.metrics
}

// Store returns the user's state store.
func (s *Session) Store() *store.UserStore {
	return s.state
}

// KeyOrigin says where the ping key came from.
func (s *Session) KeyOrigin() security.KeyOrigin {
	return s.keyOrigin
}

func (s *Session) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Close stops the background loops and releases the store and the lock.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	err := s.release()
	s.logger.Info("session closed")
	return err
}

func (s *Session) release() error {
	var errs []error
	if s.watch != nil {
		errs = append(errs, s.watch.Stop())
	}
	if s.ownNotifier && s.notifier != nil {
		errs = append(errs, s.notifier.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.lock != nil {
		errs = append(errs, s.lock.Unlock())
	}
	return errors.Join(errs...)
}
