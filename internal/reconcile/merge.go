package reconcile

import (
	"tagtime/internal/datapoint"
)

// entry is a point plus the flags the merge sets on it. It never escapes
// Merge.
type entry struct {
	p      datapoint.Point
	remove bool
	update bool
}

// Merge diffs the remote points of a graph against the points computed from
// the local log and returns the operations that bring the remote side in
// line. Both inputs must be sorted by Timestamp and day-bucketed. Local
// points dated before resetDate are never created. The inputs are not
// modified.
func Merge(remote, local []datapoint.Point, resetDate int64, precision int) Plan {
	work := make([]entry, 0, len(remote)+len(local))
	for _, p := range remote {
		work = append(work, entry{p: p})
	}

	work, resetDate = mergeSameDay(work, resetDate)

	i1, i2 := 0, 0
	for i1 < len(work) && i2 < len(local) {
		w := &work[i1]
		if w.remove || w.p.IsSentinel() {
			i1++
			continue
		}

		l := local[i2]
		switch {
		case w.p.Timestamp == l.Timestamp:
			if !datapoint.RoundedEqual(w.p.Hours, l.Hours, precision) {
				w.p.Hours = l.Hours
				w.update = true
			}
			i1++
			i2++
		case w.p.Timestamp < l.Timestamp:
			// No local activity that day any more.
			w.remove = true
			i1++
		case l.Timestamp >= resetDate:
			work = insertEntry(work, i1, entry{p: localPoint(l)})
			i1++
			i2++
		default:
			// Before the reset; never resurrected.
			i2++
		}
	}

	for ; i1 < len(work); i1++ {
		if !work[i1].p.IsSentinel() {
			work[i1].remove = true
		}
	}
	for ; i2 < len(local); i2++ {
		if local[i2].Timestamp >= resetDate {
			work = append(work, entry{p: localPoint(local[i2])})
		}
	}

	intents := make([]Intent, len(work))
	for i, e := range work {
		intents[i] = Intent{Kind: e.kind(), Point: e.p}
	}
	return Plan{Intents: intents, ResetDate: resetDate}
}

// mergeSameDay folds adjacent ordinary points on the same day into the later
// one and splits hours off reset sentinels into a new point right after
// them. Sentinel days raise resetDate.
func mergeSameDay(work []entry, resetDate int64) ([]entry, int64) {
	for i := 0; i < len(work); i++ {
		cur := work[i].p
		if cur.IsSentinel() {
			if cur.Timestamp > resetDate {
				resetDate = cur.Timestamp
			}
			if cur.Hours != 0 {
				split := entry{p: datapoint.Point{Timestamp: cur.Timestamp, Hours: cur.Hours}}
				work[i].p.Hours = 0
				work[i].update = true
				work = insertEntry(work, i+1, split)
				// The split point starts a new run; it is not merged
				// back into the sentinel.
				i++
			}
			continue
		}
		if i == 0 {
			continue
		}

		prev := &work[i-1]
		if prev.p.IsSentinel() || prev.p.Timestamp != cur.Timestamp {
			continue
		}
		work[i].p.Hours += prev.p.Hours
		work[i].p.Comment = joinComments(prev.p.Comment, cur.Comment)
		work[i].update = true
		prev.remove = true
	}
	return work, resetDate
}

func (e entry) kind() Kind {
	switch {
	case e.remove && e.p.Remote():
		return Delete
	case e.remove:
		// Never reached the remote side; nothing to undo.
		return Noop
	case !e.p.Remote():
		return Create
	case e.update:
		return Update
	default:
		return Noop
	}
}

func joinComments(earlier, later string) string {
	switch {
	case earlier == "":
		return later
	case later == "":
		return earlier
	default:
		return earlier + "; " + later
	}
}

func localPoint(p datapoint.Point) datapoint.Point {
	p.ID = ""
	p.Marker = datapoint.MarkerNone
	return p
}

func insertEntry(work []entry, at int, e entry) []entry {
	work = append(work, entry{})
	copy(work[at+1:], work[at:])
	work[at] = e
	return work
}
