package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tagtime/internal/metrics"
	"tagtime/internal/notify"
	"tagtime/internal/pinglog"
	"tagtime/internal/schedule"
)

// PendingPing is a ping waiting for an answer.
type PendingPing struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Deadline time.Time `json:"deadline"`

	answer chan []string
}

// RunPings fires pings after from until ctx ends. A ping processed later
// than the misfire threshold goes through the misfire policy; the pings it
// skips are logged as missed.
func (s *Session) RunPings(ctx context.Context, from time.Time) error {
	last := from
	for {
		next, _ := s.sched.FireTimeAfter(last, true)
		s.mu.Lock()
		s.nextPing = next
		s.mu.Unlock()
		s.metrics.ScheduledPing(next)

		if d := next.Sub(s.clock.Now()); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(d):
			}
		}

		now := s.clock.Now()
		if now.Sub(next) <= s.misfireThreshold() {
			if err := s.ping(ctx, next); err != nil {
				return err
			}
			last = next
			continue
		}

		dec := schedule.ResolveMisfire(s.sched.MisfirePolicy(), s.sched, next, now, false)
		if err := s.logSkipped(dec); err != nil {
			s.logger.Error("log skipped pings", slog.Any("error", err))
		}
		for _, t := range dec.Deliver {
			if err := s.ping(ctx, t); err != nil {
				return err
			}
		}
		last = latest(next, dec.Deliver, dec.Skipped)
	}
}

func (s *Session) logSkipped(dec schedule.Decision) error {
	if len(dec.Skipped) == 0 {
		return nil
	}
	s.logger.Info("skipping late pings",
		slog.Int("count", len(dec.Skipped)),
		slog.Time("first", dec.Skipped[0]))

	pings := make([]pinglog.Ping, len(dec.Skipped))
	for i, t := range dec.Skipped {
		pings[i] = pinglog.Ping{Time: t.In(s.loc), Tags: TagsMissed}
	}
	if err := s.log.AppendAll(pings); err != nil {
		return err
	}
	for range pings {
		s.metrics.PingLogged(metrics.PingSkipped)
	}
	if dec.CountSkipped {
		s.sched.AddFired(len(dec.Skipped))
	}
	return nil
}

func latest(t time.Time, lists ...[]time.Time) time.Time {
	for _, l := range lists {
		for _, v := range l {
			if v.After(t) {
				t = v
			}
		}
	}
	return t
}

func (s *Session) misfireThreshold() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MisfireThreshold()
}

func (s *Session) windowTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.WindowTimeout()
}

// ping raises the ping at t and logs the answer, or the timeout tags if no
// answer arrives within the window. A ping interrupted by ctx is not logged;
// the next start records it as missed.
func (s *Session) ping(ctx context.Context, t time.Time) error {
	window := s.windowTimeout()
	p := &PendingPing{
		ID:       uuid.NewString(),
		Time:     t,
		Deadline: s.clock.Now().Add(window),
		answer:   make(chan []string, 1),
	}
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	log := s.logger.With(slog.String("ping_id", p.ID), slog.Time("ping", t))
	log.Debug("ping")
	err := s.notifier.Notify(ctx, notify.Notification{
		Title:   "TagTime",
		Body:    fmt.Sprintf("It's tag time! What are you doing right now? (%s)", t.In(s.loc).Format("15:04:05")),
		Timeout: window,
		Urgency: notify.UrgencyNormal,
	})
	if err != nil {
		log.Warn("notify", slog.Any("error", err))
	}

	var (
		tagList []string
		outcome string
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case tagList = <-p.answer:
		outcome = metrics.PingAnswered
	case <-s.clock.After(window):
		tagList = TagsTimedOut
		outcome = metrics.PingTimedOut
	}

	if err := s.notifier.Dismiss(context.WithoutCancel(ctx)); err != nil {
		log.Debug("dismiss notification", slog.Any("error", err))
	}
	if err := s.log.Append(t.In(s.loc), tagList...); err != nil {
		return fmt.Errorf("log ping: %w", err)
	}
	s.sched.Triggered()
	s.metrics.PingLogged(outcome)

	if outcome == metrics.PingAnswered {
		if err := s.state.IncrementTags(ctx, tagList); err != nil {
			log.Warn("count tags", slog.Any("error", err))
		}
	}
	log.Info("ping logged", slog.String("outcome", outcome), slog.Any("tags", tagList))
	return nil
}

// Answer tags the pending ping. Each answer is split on whitespace.
func (s *Session) Answer(answers ...string) error {
	tagList, err := pinglog.CleanTags(answers...)
	if err != nil {
		return err
	}

	s.mu.RLock()
	p := s.pending
	s.mu.RUnlock()
	if p == nil {
		return ErrNoPendingPing
	}
	select {
	case p.answer <- tagList:
		return nil
	default:
		// already answered
		return ErrNoPendingPing
	}
}

// Pending returns the ping waiting for an answer, if any.
func (s *Session) Pending() (PendingPing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil {
		return PendingPing{}, false
	}
	return *s.pending, true
}
