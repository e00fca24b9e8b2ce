package session

import (
	"context"
	"time"

	"tagtime/internal/health"
	"tagtime/internal/store"
)

// Status is a snapshot of the session for the status API and tagtimectl.
type Status struct {
	User       string        `json:"user"`
	Running    bool          `json:"running"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	KeyOrigin  string        `json:"key_origin"`
	AverageGap string        `json:"average_gap"`
	Misfire    string        `json:"misfire_policy"`
	NextPing   time.Time     `json:"next_ping"`
	LastPing   time.Time     `json:"last_ping"`
	LastLogged *time.Time    `json:"last_logged,omitempty"`
	Pending    *PendingPing  `json:"pending,omitempty"`
	LastSubmit *time.Time    `json:"last_submit,omitempty"`
	Beeminder  bool          `json:"beeminder_configured"`
	Breaker    string        `json:"breaker_state,omitempty"`
	Schema     int           `json:"schema_version"`
	Graphs     []GraphStatus `json:"graphs"`
}

// GraphStatus is the state of one configured graph.
type GraphStatus struct {
	Graph       string     `json:"graph"`
	Accept      []string   `json:"accept"`
	Reject      []string   `json:"reject,omitempty"`
	Resync      bool       `json:"resync"`
	BookmarkID  string     `json:"bookmark_id,omitempty"`
	LastPassAt  *time.Time `json:"last_pass_at,omitempty"`
	LastPassErr string     `json:"last_pass_error,omitempty"`
}

type breakerStater interface {
	BreakerState() string
}

// Status reports the session state.
func (s *Session) Status(ctx context.Context) (Status, error) {
	s.mu.RLock()
	st := Status{
		User:       s.User,
		Running:    s.running,
		StartedAt:  s.StartedAt,
		KeyOrigin:  string(s.keyOrigin),
		AverageGap: s.sched.MeanGap().String(),
		Misfire:    s.sched.MisfirePolicy().String(),
		NextPing:   s.nextPing,
		Beeminder:  s.transport != nil,
	}
	if s.pending != nil {
		p := *s.pending
		st.Pending = &p
	}
	if !s.lastSubmit.IsZero() {
		t := s.lastSubmit
		st.LastSubmit = &t
	}
	if b, ok := s.transport.(breakerStater); ok {
		st.Breaker = b.BreakerState()
	}
	graphs := s.graphs
	s.mu.RUnlock()

	if st.NextPing.IsZero() {
		st.NextPing = s.NextPing()
	}
	st.LastPing = s.LastPing()

	ts, ok, err := s.log.LastTimestamp()
	if err != nil {
		return st, err
	}
	if ok {
		t := time.Unix(ts, 0).In(s.loc)
		st.LastLogged = &t
	}

	if st.Schema, err = s.db.SchemaVersion(ctx); err != nil {
		return st, err
	}

	states, err := s.state.GraphStates(ctx)
	if err != nil {
		return st, err
	}
	byGraph := make(map[string]int, len(states))
	for i, gs := range states {
		byGraph[gs.Graph] = i
	}

	st.Graphs = make([]GraphStatus, 0, len(graphs))
	for _, g := range graphs {
		gs := GraphStatus{
			Graph:  g.Graph,
			Accept: g.Matcher.Accepted(),
			Reject: g.Matcher.Rejected(),
			// a graph never reconciled is fetched in full
			Resync: true,
		}
		if i, ok := byGraph[g.Graph]; ok {
			stored := states[i]
			gs.Resync = stored.Resync
			gs.BookmarkID = stored.BookmarkID
			gs.LastPassAt = stored.LastPassAt
			gs.LastPassErr = stored.LastPassErr
		}
		st.Graphs = append(st.Graphs, gs)
	}
	return st, nil
}

// RegisterHealth adds the session's components to c.
func (s *Session) RegisterHealth(c *health.Checker) {
	c.RegisterFunc("database", true, health.ErrorCheck("database unavailable", s.db.Check))
	c.RegisterFunc("ping_log", true, health.WritableFileCheck(s.log.Path()))
	c.RegisterFunc("beeminder", false, health.BreakerCheck(s.breakerState))
}

func (s *Session) breakerState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.transport.(breakerStater); ok {
		return b.BreakerState()
	}
	return "closed"
}

// History returns the most recent passes for graph, or for every graph
// when graph is empty.
func (s *Session) History(ctx context.Context, graph string, limit int) ([]store.PassRecord, error) {
	return s.state.Passes(ctx, graph, limit)
}

// TagCounts returns the most used answer tags.
func (s *Session) TagCounts(ctx context.Context, limit int) ([]store.TagCount, error) {
	return s.state.TagCounts(ctx, limit)
}
