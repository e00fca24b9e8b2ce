package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed means the remote list could not be retrieved. The pass
	// was abandoned before any intent ran.
	ErrFetchFailed = errors.New("reconcile: fetch failed")

	// ErrSubmitFailed means an intent failed mid-pass. Intents before it
	// were applied; the rest were not attempted.
	ErrSubmitFailed = errors.New("reconcile: submit failed")
)

// FetchError wraps the transport error behind ErrFetchFailed.
type FetchError struct {
	Graph string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Graph, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailed, e.Err}
}

// SubmitError reports the first intent that failed.
type SubmitError struct {
	Graph  string
	Index  int
	Intent Intent
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s: intent %d (%s): %v", e.Graph, e.Index, e.Intent.Kind, e.Err)
}

func (e *SubmitError) Unwrap() []error {
	return []error{ErrSubmitFailed, e.Err}
}

// MalformedLocalEntry describes a log line that could not be used. It is a
// diagnostic: the line is skipped and the pass continues.
type MalformedLocalEntry struct {
	Line   int
	Text   string
	Reason string
}

func (e *MalformedLocalEntry) Error() string {
	return fmt.Sprintf("malformed log entry at line %d: %s", e.Line, e.Reason)
}

// UserMessage is the text shown to the user for any failed pass.
func UserMessage(graph string) string {
	return fmt.Sprintf("could not submit to %s, try again later", graph)
}
