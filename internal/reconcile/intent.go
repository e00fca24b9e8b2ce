package reconcile

import (
	"fmt"
	"io"
	"time"

	"tagtime/internal/datapoint"
)

// Kind is the operation an Intent plans against the remote graph.
type Kind int

const (
	Noop Kind = iota
	Create
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Noop:
		return "noop"
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Intent is one planned operation. Point holds the values to send; for
// Delete only its ID matters.
type Intent struct {
	Kind  Kind
	Point datapoint.Point
}

func (i Intent) String() string {
	return fmt.Sprintf("%s %s", i.Kind, i.Point)
}

// Plan is the ordered outcome of a merge.
type Plan struct {
	Intents []Intent
	// ResetDate is the effective reset day after sentinels were applied.
	ResetDate int64
}

// Counts tallies intents by kind.
func (p Plan) Counts() map[Kind]int {
	c := make(map[Kind]int, 4)
	for _, in := range p.Intents {
		c[in.Kind]++
	}
	return c
}

// Pending returns the number of intents that touch the remote graph.
func (p Plan) Pending() int {
	n := 0
	for _, in := range p.Intents {
		if in.Kind != Noop {
			n++
		}
	}
	return n
}

// Render writes one line per intent.
func (p Plan) Render(w io.Writer, loc *time.Location, precision int) error {
	if loc == nil {
		loc = time.Local
	}
	if _, err := fmt.Fprintf(w, "reset  %s\n", time.Unix(p.ResetDate, 0).In(loc).Format("2006/01/02")); err != nil {
		return err
	}
	for _, in := range p.Intents {
		line := fmt.Sprintf("%-6s %s %s", in.Kind,
			time.Unix(in.Point.Timestamp, 0).In(loc).Format("2006/01/02"),
			datapoint.FormatHours(in.Point.Hours, precision))
		if in.Point.ID != "" {
			line += " id=" + in.Point.ID
		}
		if in.Point.IsSentinel() {
			line += " [reset]"
		}
		if in.Point.Comment != "" {
			line += fmt.Sprintf(" %q", in.Point.Comment)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
