package pinglog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tagtime/internal/watcher"
)

// Log is the append-only ping log file. It remembers the digest of the file
// as of its own last write so edits made by anything else can be told apart.
type Log struct {
	path string

	mu     sync.Mutex
	digest [32]byte
}

// Open opens the log at path, creating it and its directory if needed.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open ping log: %w", err)
	}
	f.Close()

	l := &Log{path: path}
	if err := l.refreshDigest(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Ping is one line to append.
type Ping struct {
	Time time.Time
	Tags []string
}

// Append writes one ping line and syncs it to disk.
func (l *Log) Append(t time.Time, tagList ...string) error {
	return l.AppendAll([]Ping{{Time: t, Tags: tagList}})
}

// AppendAll writes pings with a single sync. Either every line is written
// or an error is returned before anything is.
func (l *Log) AppendAll(pings []Ping) error {
	if len(pings) == 0 {
		return nil
	}
	var b strings.Builder
	for _, p := range pings {
		if len(p.Tags) == 0 {
			return errors.New("pinglog: ping needs at least one tag")
		}
		b.WriteString(FormatLine(p.Time, p.Tags))
		b.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("open ping log: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("write ping: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ping log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ping log: %w", err)
	}
	return l.refreshDigestLocked()
}

// Entries parses the whole log.
func (l *Log) Entries() ([]Entry, []error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open ping log: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// LastTimestamp returns the time of the most recent parseable ping.
func (l *Log) LastTimestamp() (int64, bool, error) {
	entries, _, err := l.Entries()
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return entries[len(entries)-1].Timestamp, true, nil
}

// ExternallyModified reports whether digest differs from what this Log last
// wrote. When it does, the new digest is adopted so each edit is reported
// once.
func (l *Log) ExternallyModified(digest [32]byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if digest == l.digest {
		return false
	}
	l.digest = digest
	return true
}

func (l *Log) refreshDigest() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshDigestLocked()
}

func (l *Log) refreshDigestLocked() error {
	sum, _, err := watcher.HashFile(l.path)
	if err != nil {
		return fmt.Errorf("hash ping log: %w", err)
	}
	l.digest = sum
	return nil
}
