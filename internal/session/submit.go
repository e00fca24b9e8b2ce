package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tagtime/internal/notify"
	"tagtime/internal/pinglog"
	"tagtime/internal/reconcile"
)

// Submit reconciles every configured graph against the ping log, one graph
// at a time. A failed graph does not stop the others; the returned error
// joins the failures.
func (s *Session) Submit(ctx context.Context) ([]reconcile.Report, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.RLock()
	engine := s.engine
	graphs := s.graphs
	precision := s.cfg.Beeminder.Precision
	s.mu.RUnlock()
	if engine == nil {
		return nil, ErrNotConfigured
	}

	entries, diags, err := s.log.Entries()
	if err != nil {
		return nil, err
	}
	for _, d := range diags {
		s.logger.Warn("skipping ping log line", slog.Any("error", d))
	}

	reports := make([]reconcile.Report, 0, len(graphs))
	var errs []error
	for _, g := range graphs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		local := pinglog.Aggregate(entries, g.Matcher, s.loc)
		r := engine.Run(ctx, reconcile.Graph{Name: g.Graph, Precision: precision}, local)
		reports = append(reports, r)
		if r.Failed() {
			errs = append(errs, r.Err)
			s.alert(ctx, reconcile.UserMessage(g.Graph))
		}
	}

	s.mu.Lock()
	s.lastSubmit = s.clock.Now()
	s.mu.Unlock()
	return reports, errors.Join(errs...)
}

func (s *Session) alert(ctx context.Context, msg string) {
	err := s.notifier.Notify(context.WithoutCancel(ctx), notify.Notification{
		Title:   "TagTime",
		Body:    msg,
		Urgency: notify.UrgencyCritical,
	})
	if err != nil {
		s.logger.Warn("notify", slog.Any("error", err))
	}
}

// RequestSubmit asks the submit worker for a pass. It reports false when a
// request is already queued.
func (s *Session) RequestSubmit() bool {
	select {
	case s.submitReq <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) submitInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.SubmitInterval()
}

// submitWorker runs queued submits and, when an interval is configured,
// periodic ones.
func (s *Session) submitWorker(ctx context.Context) error {
	for {
		var tick <-chan time.Time
		if d := s.submitInterval(); d > 0 {
			tick = s.clock.After(d)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.submitReq:
		case <-tick:
		}

		_, err := s.Submit(ctx)
		switch {
		case errors.Is(err, ErrNotConfigured):
			s.logger.Info("submit skipped: no beeminder auth token configured")
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("submit finished with failures", slog.Any("error", err))
		}
	}
}
