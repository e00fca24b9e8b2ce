package schedule

import (
	"fmt"
	"strings"
	"time"
)

// MisfirePolicy says what to do with a fire time that is processed late.
// The scheduler itself never consults it; the ping runner does, through
// ResolveMisfire.
type MisfirePolicy int

const (
	// MisfireSmart picks RescheduleNextWithRemainingCount for repeating
	// triggers and FireNow for one-shot triggers.
	MisfireSmart MisfirePolicy = iota
	// MisfireIgnore delivers every missed fire time immediately.
	MisfireIgnore
	// MisfireFireNow delivers the late fire time once and drops the rest.
	MisfireFireNow
	// MisfireRescheduleNextWithExistingCount drops all missed fire times
	// without counting them against the repeat limit.
	MisfireRescheduleNextWithExistingCount
	// MisfireRescheduleNextWithRemainingCount drops all missed fire times
	// and counts them against the repeat limit.
	MisfireRescheduleNextWithRemainingCount
	// MisfireRescheduleNowWithExistingCount delivers the late fire time now;
	// later missed fire times are dropped without being counted.
	MisfireRescheduleNowWithExistingCount
	// MisfireRescheduleNowWithRemainingCount delivers the late fire time now;
	// later missed fire times are dropped and counted.
	MisfireRescheduleNowWithRemainingCount
)

var misfireNames = map[MisfirePolicy]string{
	MisfireSmart:                            "smart",
	MisfireIgnore:                           "ignore",
	MisfireFireNow:                          "fire-now",
	MisfireRescheduleNextWithExistingCount:  "reschedule-next-with-existing-count",
	MisfireRescheduleNextWithRemainingCount: "reschedule-next-with-remaining-count",
	MisfireRescheduleNowWithExistingCount:   "reschedule-now-with-existing-count",
	MisfireRescheduleNowWithRemainingCount:  "reschedule-now-with-remaining-count",
}

func (p MisfirePolicy) String() string {
	if s, ok := misfireNames[p]; ok {
		return s
	}
	return fmt.Sprintf("MisfirePolicy(%d)", int(p))
}

// ParseMisfirePolicy parses the names returned by String.
func ParseMisfirePolicy(s string) (MisfirePolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range misfireNames {
		if name == s {
			return p, nil
		}
	}
	return MisfireSmart, fmt.Errorf("unknown misfire policy %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p MisfirePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *MisfirePolicy) UnmarshalText(b []byte) error {
	v, err := ParseMisfirePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Decision is the outcome of resolving a misfire.
type Decision struct {
	// Deliver holds the fire times to deliver now, oldest first.
	Deliver []time.Time
	// Skipped holds the missed fire times that will not be delivered.
	Skipped []time.Time
	// CountSkipped is set when skipped fire times use up repeat count.
	CountSkipped bool
}

// ResolveMisfire decides what to do with the fire time scheduled that is
// being processed at now. Every fire time in [scheduled, now] is either
// delivered or skipped. oneShot marks triggers with a repeat count of 0.
func ResolveMisfire(p MisfirePolicy, trig Trigger, scheduled, now time.Time, oneShot bool) Decision {
	missed := []time.Time{scheduled}
	cursor := scheduled
	for {
		next, ok := trig.FireTimeAfter(cursor, true)
		if !ok || next.After(now) {
			break
		}
		missed = append(missed, next)
		cursor = next
	}

	if p == MisfireSmart {
		if oneShot {
			p = MisfireFireNow
		} else {
			p = MisfireRescheduleNextWithRemainingCount
		}
	}

	switch p {
	case MisfireIgnore:
		return Decision{Deliver: missed}
	case MisfireRescheduleNextWithExistingCount:
		return Decision{Skipped: missed}
	case MisfireRescheduleNextWithRemainingCount:
		return Decision{Skipped: missed, CountSkipped: true}
	case MisfireRescheduleNowWithRemainingCount:
		return Decision{Deliver: missed[:1], Skipped: missed[1:], CountSkipped: true}
	default:
		// FireNow and RescheduleNowWithExistingCount
		return Decision{Deliver: missed[:1], Skipped: missed[1:]}
	}
}
