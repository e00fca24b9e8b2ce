// Package schedule turns a keyed value sequence into the ping schedule.
//
// Gaps between pings are exponentially distributed with a configurable mean.
// Fire times are absolute: index 0 sits at CalendarStart and the time at
// index n is CalendarStart plus the sum of gap(0..n-1). A Scheduler caches a
// Cursor into that sequence and walks it forward or backward to answer
// queries, so any fire time in the past or future can be found without
// replaying history from a running process.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// CalendarStart is the fire time of index 0, in Unix milliseconds
// (2011-10-25 00:00:00 UTC).
const CalendarStart int64 = 1319500800000

// Repeat counts with special meaning.
const (
	// RepeatForever is the repeat count of a trigger that never runs out.
	// It is the zero value.
	RepeatForever = 0
	// RepeatNone makes a one-shot trigger that fires only at its start.
	RepeatNone = -1
)

// unlimited is the internal repeat limit of an endless trigger.
const unlimited = -1

// DefaultMeanGap is the average time between pings.
const DefaultMeanGap = 45 * time.Minute

// minValue floors sequence values so gap() stays finite.
const minValue = 1e-8

// ErrNonPositiveGap is returned when the mean gap is zero or negative.
var ErrNonPositiveGap = errors.New("schedule: mean gap must be positive")

// ErrBadRepeat is returned for negative repeat counts other than RepeatNone.
var ErrBadRepeat = errors.New("schedule: invalid repeat count")

// ErrNilSource is returned when no value source is supplied.
var ErrNilSource = errors.New("schedule: nil value source")

// Source supplies the value at a sequence index. *sequence.Sequence
// satisfies it.
type Source interface {
	Value(index int64) float64
}

// Trigger is the capability a job runner polls for fire times.
type Trigger interface {
	FireTimeAfter(target time.Time, alwaysReturn bool) (time.Time, bool)
	FireTimeBefore(target time.Time, alwaysReturn bool) (time.Time, bool)
	CountFiringsBetween(start, end time.Time) int
}

// Cursor is a position in the fire-time sequence. Time is always exactly the
// fire time of Index, in Unix milliseconds.
type Cursor struct {
	Index int64
	Time  int64
}

// Options configures a Scheduler.
type Options struct {
	// MeanGap is the average gap between pings.
	MeanGap time.Duration

	// StartTime is the time before which the trigger never fires.
	// Zero means CalendarStart.
	StartTime time.Time

	// EndTime is the time from which the trigger no longer fires.
	// Zero means never.
	EndTime time.Time

	// RepeatCount limits the number of firings after the first. The zero
	// value, RepeatForever, disables the limit; RepeatNone fires once.
	RepeatCount int

	// Misfire is the policy consulted when a fire is processed late.
	Misfire MisfirePolicy
}

// DefaultOptions returns options for an endless schedule with the default gap.
func DefaultOptions() Options {
	return Options{
		MeanGap:     DefaultMeanGap,
		RepeatCount: RepeatForever,
		Misfire:     MisfireSmart,
	}
}

// Scheduler computes fire times. All methods are safe for concurrent use;
// the cursor is guarded by a single mutex.
type Scheduler struct {
	mu sync.Mutex

	src     Source
	meanGap int64 // milliseconds
	start   int64
	end     int64
	repeat  int // firings allowed after the first, or unlimited
	misfire MisfirePolicy

	fired int
	cur   Cursor
}

// New creates a scheduler over src.
func New(src Source, opts Options) (*Scheduler, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	if opts.MeanGap.Milliseconds() <= 0 {
		return nil, ErrNonPositiveGap
	}
	repeat := opts.RepeatCount
	switch {
	case repeat == RepeatForever:
		repeat = unlimited
	case repeat == RepeatNone:
		repeat = 0
	case repeat < 0:
		return nil, fmt.Errorf("%w: %d", ErrBadRepeat, repeat)
	}

	s := &Scheduler{
		src:     src,
		meanGap: opts.MeanGap.Milliseconds(),
		start:   CalendarStart,
		end:     math.MaxInt64,
		repeat:  repeat,
		misfire: opts.Misfire,
	}
	if !opts.StartTime.IsZero() {
		s.start = opts.StartTime.UnixMilli()
	}
	if !opts.EndTime.IsZero() {
		s.end = opts.EndTime.UnixMilli()
	}
	s.resetLocked()
	return s, nil
}

// MeanGap returns the configured mean gap.
func (s *Scheduler) MeanGap() time.Duration {
	return time.Duration(s.meanGap) * time.Millisecond
}

// MisfirePolicy returns the configured misfire policy.
func (s *Scheduler) MisfirePolicy() MisfirePolicy {
	return s.misfire
}

// Gap returns the gap following index, in milliseconds.
func (s *Scheduler) Gap(index int64) int64 {
	v := s.src.Value(index)
	if v < minValue {
		v = minValue
	}
	return int64(float64(-s.meanGap) * math.Log(v))
}

// Cursor returns the cached cursor.
func (s *Scheduler) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Reset moves the cursor back to index 0.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Advance moves the cursor one fire time forward.
func (s *Scheduler) Advance() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.cur
}

// Retreat moves the cursor one fire time back. It reports false and leaves
// the cursor alone at index 0.
func (s *Scheduler) Retreat() (Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.retreat()
	return s.cur, ok
}

// Triggered records that a fire time was delivered. It feeds the repeat
// limit.
func (s *Scheduler) Triggered() {
	s.mu.Lock()
	s.fired++
	s.mu.Unlock()
}

// AddFired counts n additional firings against the repeat limit.
func (s *Scheduler) AddFired(n int) {
	s.mu.Lock()
	s.fired += n
	s.mu.Unlock()
}

// TimesTriggered returns the number of recorded firings.
func (s *Scheduler) TimesTriggered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// FireTimeAfter returns the first fire time strictly after target.
//
// Without alwaysReturn it reports false once the repeat limit is used up or
// when target or the result is at or past the end time, and returns the
// start time for targets before it.
func (s *Scheduler) FireTimeAfter(target time.Time, alwaysReturn bool) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := target.UnixMilli()
	if alwaysReturn {
		s.seekAfter(t)
		return time.UnixMilli(s.cur.Time), true
	}

	if s.repeat != unlimited && s.fired > s.repeat {
		return time.Time{}, false
	}
	if s.repeat == 0 && t >= s.start {
		return time.Time{}, false
	}
	if t >= s.end {
		return time.Time{}, false
	}
	if t < s.start {
		return time.UnixMilli(s.start), true
	}

	s.seekAfter(t)
	if s.cur.Time >= s.end {
		return time.Time{}, false
	}
	return time.UnixMilli(s.cur.Time), true
}

// FireTimeBefore returns the last fire time strictly before target. Without
// alwaysReturn it reports false for targets before the start time. It also
// reports false when no fire time precedes target at all, unless
// alwaysReturn is set, in which case CalendarStart is returned.
func (s *Scheduler) FireTimeBefore(target time.Time, alwaysReturn bool) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := target.UnixMilli()
	if !alwaysReturn && t < s.start {
		return time.Time{}, false
	}
	if !s.seekBefore(t) && !alwaysReturn {
		return time.Time{}, false
	}
	return time.UnixMilli(s.cur.Time), true
}

// CountFiringsBetween counts fire times in [start, end).
func (s *Scheduler) CountFiringsBetween(start, end time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := end.UnixMilli()
	s.seekAfter(start.UnixMilli() - 1)

	n := 0
	for ; s.cur.Time < e; s.advance() {
		n++
	}
	return n
}

// FiringsBetween lists fire times in (start, end], oldest first.
func (s *Scheduler) FiringsBetween(start, end time.Time) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := end.UnixMilli()
	var out []time.Time
	for s.seekAfter(start.UnixMilli()); s.cur.Time <= e; s.advance() {
		out = append(out, time.UnixMilli(s.cur.Time))
	}
	return out
}

func (s *Scheduler) resetLocked() {
	s.cur = Cursor{Index: 0, Time: CalendarStart}
}

func (s *Scheduler) advance() {
	s.cur.Time += s.Gap(s.cur.Index)
	s.cur.Index++
}

func (s *Scheduler) retreat() bool {
	if s.cur.Index <= 0 {
		return false
	}
	s.cur.Index--
	s.cur.Time -= s.Gap(s.cur.Index)
	return true
}

// seekAfter leaves the cursor on the first fire time > t.
func (s *Scheduler) seekAfter(t int64) {
	for s.cur.Time > t {
		if !s.retreat() {
			return
		}
	}
	for s.cur.Time <= t {
		s.advance()
	}
}

// seekBefore leaves the cursor on the last fire time < t. It reports false
// when index 0 is already at or after t.
func (s *Scheduler) seekBefore(t int64) bool {
	for s.cur.Time < t {
		s.advance()
	}
	for s.cur.Time >= t {
		if !s.retreat() {
			return false
		}
	}
	return true
}
