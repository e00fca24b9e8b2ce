// Package tags decides which pings count toward which graph.
//
// A graph is configured with an entry of the form
//
//	graphname|tag1 tag2 -tag3
//
// where plain tags are accepted and tags prefixed with '-' are rejected.
// Comparison is case-insensitive.
package tags

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

var (
	// ErrMissingGraph is returned for entries without a graph name.
	ErrMissingGraph = errors.New("tags: entry must be in format \"graphname|tags\"")
	// ErrNoTags is returned for entries that name no tags.
	ErrNoTags = errors.New("tags: no tags provided")
)

var folder = cases.Fold()

// Normalize returns the case-folded form used for all comparisons.
func Normalize(tag string) string {
	return folder.String(tag)
}

// Matcher accepts or rejects a ping's tag set.
type Matcher struct {
	accept map[string]struct{}
	reject map[string]struct{}
}

// NewMatcher creates a matcher from accepted and rejected tags.
func NewMatcher(accept, reject []string) *Matcher {
	m := &Matcher{
		accept: make(map[string]struct{}, len(accept)),
		reject: make(map[string]struct{}, len(reject)),
	}
	for _, t := range accept {
		m.accept[Normalize(t)] = struct{}{}
	}
	for _, t := range reject {
		m.reject[Normalize(t)] = struct{}{}
	}
	return m
}

// Matches reports whether tags count toward the graph. Any rejected tag
// rejects the whole set. Otherwise the set matches if it holds an accepted
// tag, or if the matcher accepts nothing explicitly.
func (m *Matcher) Matches(tags []string) bool {
	matched := len(m.accept) == 0
	for _, t := range tags {
		t = Normalize(t)
		if _, ok := m.reject[t]; ok {
			return false
		}
		if _, ok := m.accept[t]; ok {
			matched = true
		}
	}
	return matched
}

// Accepted returns the accepted tags in folded form, sorted.
func (m *Matcher) Accepted() []string {
	return keys(m.accept)
}

// Rejected returns the rejected tags in folded form, sorted.
func (m *Matcher) Rejected() []string {
	return keys(m.reject)
}

// GraphEntry is a parsed graph configuration entry.
type GraphEntry struct {
	Graph   string
	Matcher *Matcher
	Raw     string
}

// ParseGraphEntry parses "graphname|tag1 tag2 -tag3".
func ParseGraphEntry(entry string) (GraphEntry, error) {
	entry = strings.TrimSpace(entry)
	i := strings.IndexByte(entry, '|')
	if i <= 0 {
		return GraphEntry{}, fmt.Errorf("%w: %q", ErrMissingGraph, entry)
	}

	var accept, reject []string
	for _, t := range strings.Fields(entry[i+1:]) {
		if strings.HasPrefix(t, "-") {
			if len(t) > 1 {
				reject = append(reject, t[1:])
			}
			continue
		}
		accept = append(accept, t)
	}
	if len(accept) == 0 && len(reject) == 0 {
		return GraphEntry{}, fmt.Errorf("%w: %q", ErrNoTags, entry)
	}

	return GraphEntry{
		Graph:   strings.TrimSpace(entry[:i]),
		Matcher: NewMatcher(accept, reject),
		Raw:     entry,
	}, nil
}

// ParseGraphEntries parses every entry, stopping at the first error.
func ParseGraphEntries(entries []string) ([]GraphEntry, error) {
	out := make([]GraphEntry, 0, len(entries))
	for _, e := range entries {
		g, err := ParseGraphEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
