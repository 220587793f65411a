// Package transcript turns recognizer events into append-only transcript
// files.
//
// A [Log] owns one file and appends timestamped lines to it. An [Assembler]
// decides which recognizer events become lines: lifecycle markers for the
// start and end of a connection, and the stable (formatted) text of each
// turn. Drafts and unknown messages never reach the file.
package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Marker lines written for connection lifecycle events.
const (
	StartMarker = "=== SESSION STARTED ==="
	EndMarker   = "=== SESSION ENDED ==="
)

// Log persists transcript lines in a local file. Lines are never rewritten
// or reordered. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// LogOption configures a [Log].
type LogOption func(*Log)

// WithClock replaces the wall clock used for line timestamps.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// NewLog creates a Log that writes to path. The file and its directory are
// created on first append.
func NewLog(path string, opts ...LogOption) *Log {
	l := &Log{path: path, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Path returns the file the log appends to.
func (l *Log) Path() string { return l.path }

// Append writes "[<timestamp>] <text>" using the current time.
func (l *Log) Append(text string) error {
	return l.AppendAt(l.now(), text)
}

// AppendAt writes "[<timestamp>] <text>" with an explicit timestamp. Newlines
// inside text are folded to spaces so every entry stays on one line.
func (l *Log) AppendAt(ts time.Time, text string) error {
	line := fmt.Sprintf("[%s] %s\n", ts.UTC().Format(time.RFC3339Nano), oneLine(text))

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("transcript: create directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("transcript: write: %w", err)
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
