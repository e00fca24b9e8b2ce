// Package datapoint models one day's worth of tracked hours on a graph.
package datapoint

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Marker distinguishes ordinary points from points the remote service
// inserts itself.
type Marker int

const (
	// MarkerNone is an ordinary datapoint.
	MarkerNone Marker = iota
	// MarkerReset marks a point recording that the graph was reset or
	// unfrozen. Reconciliation never merges or deletes it.
	MarkerReset
)

func (m Marker) String() string {
	switch m {
	case MarkerNone:
		return "none"
	case MarkerReset:
		return "reset"
	default:
		return fmt.Sprintf("Marker(%d)", int(m))
	}
}

// Point is a day-bucketed datapoint. Timestamp is the Unix time, in seconds,
// of the start of the day the point belongs to. An empty ID means the point
// does not exist remotely yet.
type Point struct {
	ID        string  `json:"id,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Hours     float64 `json:"hours"`
	Comment   string  `json:"comment,omitempty"`
	Marker    Marker  `json:"marker,omitempty"`
}

// New returns a local point for the day containing ts.
func New(ts int64, hours float64, loc *time.Location) Point {
	return Point{Timestamp: StartOfDay(ts, loc), Hours: hours}
}

// IsSentinel reports whether p is a reset marker.
func (p Point) IsSentinel() bool {
	return p.Marker == MarkerReset
}

// Remote reports whether p already exists on the remote service.
func (p Point) Remote() bool {
	return p.ID != ""
}

// Day returns the point's day in loc.
func (p Point) Day(loc *time.Location) time.Time {
	return time.Unix(p.Timestamp, 0).In(orLocal(loc))
}

func (p Point) String() string {
	return fmt.Sprintf("%s: %s", time.Unix(p.Timestamp, 0).Format("2006/01/02"),
		strconv.FormatFloat(p.Hours, 'f', -1, 64))
}

// StartOfDay truncates the Unix time ts (seconds) to local midnight in loc.
// A nil loc means time.Local.
func StartOfDay(ts int64, loc *time.Location) int64 {
	t := time.Unix(ts, 0).In(orLocal(loc))
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).Unix()
}

// Round rounds h half-up to precision decimal digits.
func Round(h float64, precision int) float64 {
	m := math.Pow(10, float64(precision))
	return math.Floor(h*m+0.5) / m
}

// RoundedEqual reports whether a and b are equal once scaled by 10^precision
// and rounded half-up to integers. All hours comparisons go through it.
func RoundedEqual(a, b float64, precision int) bool {
	m := math.Pow(10, float64(precision))
	return math.Floor(a*m+0.5) == math.Floor(b*m+0.5)
}

// FormatHours renders h with at most precision fractional digits, rounded
// half-up, without trailing zeros.
func FormatHours(h float64, precision int) string {
	return strconv.FormatFloat(Round(h, precision), 'f', -1, 64)
}

// SortByTimestamp sorts points by timestamp, keeping the relative order of
// points that share one.
func SortByTimestamp(points []Point) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})
}

func orLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
