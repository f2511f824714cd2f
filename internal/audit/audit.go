// Package audit implements the append-only, daily-rotated JSONL audit trail
// (C2). A single writer discipline is enforced by serializing all appends
// through one mutex; the file handle is reopened whenever the UTC calendar
// date rolls over.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventKind enumerates the audit event taxonomy from the data model.
type EventKind string

const (
	EventAuthFailure EventKind = "auth-failure"
	EventRateLimited EventKind = "rate-limited"
	EventCircuitOpen EventKind = "circuit-open"
	EventQueueFull   EventKind = "queue-full"
	EventToolCall    EventKind = "tool-call"
	EventShutdown    EventKind = "shutdown"
	EventDiscovery   EventKind = "discovery"
)

// Outcome enumerates the terminal disposition of an audited event.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected"
)

// Event is one line of the audit log. Fields are intentionally sparse: no
// plaintext secrets and no raw argument values are ever recorded, only the
// SHA-256 hash of the argument payload when relevant.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Kind          EventKind      `json:"kind"`
	Outcome       Outcome        `json:"outcome"`
	Tool          string         `json:"tool,omitempty"`
	ArgsSHA256    string         `json:"args_sha256,omitempty"`
	LatencyMS     *int64         `json:"latency_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Logger appends Events to <state-dir>/audit-logs/audit-YYYY-MM-DD.log.
type Logger struct {
	dir string

	mu      sync.Mutex // log-write: serializes all appends and rotation
	day     string
	file    *os.File
	writer  *bufio.Writer
	onError func(err error)
}

// Option configures a Logger.
type Option func(*Logger)

// WithErrorHook installs a callback invoked whenever an append fails. Per the
// failure semantics in the design, a failed append must not block the
// user-visible operation, so callers fire-and-forget to stderr by default.
func WithErrorHook(fn func(err error)) Option {
	return func(l *Logger) { l.onError = fn }
}

// New creates a Logger rooted at stateDir/audit-logs, creating the directory
// if necessary. Directory creation failure is fatal per the design ("Fatal
// if the directory cannot be created").
func New(stateDir string, opts ...Option) (*Logger, error) {
	dir := filepath.Join(stateDir, "audit-logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	l := &Logger{
		dir: dir,
		onError: func(err error) {
			fmt.Fprintf(os.Stderr, "audit: append failed: %v\n", err)
		},
	}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	return l, nil
}

// Record appends event to the current day's log file, rotating to a new file
// if the UTC calendar date has advanced since the last append. It returns
// only once the write is durable (flushed and synced).
func (l *Logger) Record(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		err = fmt.Errorf("audit: marshal event: %w", err)
		l.reportError(err)
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := event.Timestamp.Format("2006-01-02")
	if err := l.ensureFileLocked(day); err != nil {
		l.reportError(err)
		return err
	}
	if _, err := l.writer.Write(line); err != nil {
		l.reportError(err)
		return fmt.Errorf("audit: write event: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		l.reportError(err)
		return fmt.Errorf("audit: write newline: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		l.reportError(err)
		return fmt.Errorf("audit: flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.reportError(err)
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// ensureFileLocked opens (or reopens, on day rollover) the log file for day.
// Callers must hold l.mu.
func (l *Logger) ensureFileLocked(day string) error {
	if l.file != nil && l.day == day {
		return nil
	}
	if l.file != nil {
		_ = l.writer.Flush()
		_ = l.file.Close()
	}
	path := filepath.Join(l.dir, fmt.Sprintf("audit-%s.log", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %q: %w", path, err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.day = day
	return nil
}

// Close flushes and closes the currently open log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		_ = l.file.Close()
		return err
	}
	err := l.file.Close()
	l.file = nil
	l.writer = nil
	return err
}

// Sweep deletes log files whose embedded date is older than retentionDays.
// A failure to delete one file does not abort the sweep; all errors are
// collected and returned together.
func (l *Logger) Sweep(retentionDays int) error {
	if retentionDays < 1 {
		retentionDays = 1
	}
	if retentionDays > 365 {
		retentionDays = 365
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("audit: read log directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var errs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "audit-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, "audit-"), ".log")
		fileDay, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if fileDay.Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("audit: sweep encountered errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (l *Logger) reportError(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}
