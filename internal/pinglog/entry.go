// Package pinglog reads and appends the local ping log and turns it into
// per-day hours for a graph.
package pinglog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tagtime/internal/datapoint"
	"tagtime/internal/reconcile"
	"tagtime/internal/tags"
)

// DateLayout is the human-readable stamp written at the end of each line.
const DateLayout = "2006.01.02 15:04:05 Mon"

var (
	lineRE = regexp.MustCompile(`^(\d+) (.+)\[[a-zA-Z0-9 :,\.]+\]$`)
	tagRE  = regexp.MustCompile(`[^\]\s,\-][^\]\s,]+`)
)

// Entry is one parsed ping.
type Entry struct {
	Line      int
	Timestamp int64
	Tags      []string
}

// Time returns the ping time in loc.
func (e Entry) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(e.Timestamp, 0).In(loc)
}

// FormatLine renders a log line for a ping at t.
func FormatLine(t time.Time, tagList []string) string {
	return fmt.Sprintf("%d %s [%s]", t.Unix(), strings.Join(tagList, " "), t.Format(DateLayout))
}

// CleanTags splits answers on whitespace and checks that each tag survives
// a round trip through the log format.
func CleanTags(answers ...string) ([]string, error) {
	var out []string
	for _, a := range answers {
		for _, t := range strings.Fields(a) {
			if tagRE.FindString(t) != t {
				return nil, fmt.Errorf("pinglog: invalid tag %q", t)
			}
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("pinglog: no tags given")
	}
	return out, nil
}

// ParseLine parses a single log line. lineNo is only used for diagnostics.
func ParseLine(lineNo int, s string) (Entry, error) {
	m := lineRE.FindStringSubmatch(s)
	if m == nil {
		return Entry{}, &reconcile.MalformedLocalEntry{Line: lineNo, Text: s, Reason: "line does not match log format"}
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Entry{}, &reconcile.MalformedLocalEntry{Line: lineNo, Text: s, Reason: "bad timestamp: " + err.Error()}
	}
	return Entry{Line: lineNo, Timestamp: ts, Tags: tagRE.FindAllString(m[2], -1)}, nil
}

// Read parses every line of r. Blank lines are ignored; lines that do not
// parse are skipped and returned as diagnostics.
func Read(r io.Reader) ([]Entry, []error, error) {
	var (
		entries []Entry
		diags   []error
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := ParseLine(n, line)
		if err != nil {
			diags = append(diags, err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, diags, fmt.Errorf("read ping log: %w", err)
	}
	return entries, diags, nil
}

// Aggregate computes the hours a graph should show per day. Each matching
// ping is worth the time until the following ping and is credited to the
// day it was taken on. The last ping has no successor and is never counted.
func Aggregate(entries []Entry, m *tags.Matcher, loc *time.Location) []datapoint.Point {
	var points []datapoint.Point
	for i := 0; i+1 < len(entries); i++ {
		e := entries[i]
		if !m.Matches(e.Tags) {
			continue
		}
		hours := float64(entries[i+1].Timestamp-e.Timestamp) / 3600.0
		points = addHours(points, datapoint.New(e.Timestamp, hours, loc))
	}
	return points
}

// addHours folds p into the day-sorted points.
func addHours(points []datapoint.Point, p datapoint.Point) []datapoint.Point {
	i := len(points) - 1
	for ; i >= 0; i-- {
		if points[i].Timestamp == p.Timestamp {
			points[i].Hours += p.Hours
			return points
		}
		if points[i].Timestamp < p.Timestamp {
			break
		}
	}
	points = append(points, datapoint.Point{})
	copy(points[i+2:], points[i+1:])
	points[i+1] = p
	return points
}
