// Package store provides SQLite-backed persistence for tagtime state that
// does not belong in the ping log.
package store

import "time"

// TagCount is how often a tag has been used in answers.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}

// PassRecord is the stored summary of one reconciliation pass.
type PassRecord struct {
	ID       string    `json:"id"`
	Graph    string    `json:"graph"`
	Full     bool      `json:"full"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Created  int       `json:"created"`
	Updated  int       `json:"updated"`
	Deleted  int       `json:"deleted"`
	Error    string    `json:"error,omitempty"`
}

// Failed reports whether the pass ended with an error.
func (p PassRecord) Failed() bool {
	return p.Error != ""
}

// GraphState is the reconciliation state kept for one graph.
type GraphState struct {
	Graph       string
	BookmarkID  string
	BookmarkTS  int64
	Resync      bool
	LastPassAt  *time.Time
	LastPassErr string
}
