// Package audit provides the append-only JSONL log of sensitive actions.
//
// Every state-changing operation — order submission, cancellation,
// strategy activation, kill-switch changes — appends exactly one line to
// audit.log before the call returns. Records are never mutated in place;
// rotation renames the whole file. A failed append marks the log unhealthy
// but does not roll back the action it describes: the audit trail captures
// intent, and the action can be re-reconciled from broker state.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Record is one audit line. Error is present only for failed actions.
type Record struct {
	Ts      time.Time      `json:"ts"`
	Source  string         `json:"source"`
	Action  string         `json:"action"`
	Details map[string]any `json:"details"`
	Error   string         `json:"error,omitempty"`
}

// Log appends JSONL records to <dir>/audit.log with O_APPEND semantics.
// Rotation happens when the file exceeds maxSize or the UTC day changes.
type Log struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	size    int64
	maxSize int64
	day     string // UTC day of the open file, YYYY-MM-DD
	source  string
	logger  *slog.Logger

	healthy atomic.Bool
	now     func() time.Time
}

// Open creates (or reopens) the audit log in dir. Source tags every record
// with the writing surface: "engine", "cli" or "agent".
func Open(dir, source string, maxSizeMB int64, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	l := &Log{
		path:    filepath.Join(dir, "audit.log"),
		maxSize: maxSizeMB * 1024 * 1024,
		source:  source,
		logger:  logger.With("component", "audit"),
		now:     time.Now,
	}
	l.healthy.Store(true)
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.f = f
	l.size = info.Size()
	l.day = l.now().UTC().Format("2006-01-02")
	return nil
}

// Record appends one successful-action record.
func (l *Log) Record(action string, details map[string]any) {
	l.append(Record{Action: action, Details: details})
}

// RecordError appends a record for an action that failed.
func (l *Log) RecordError(action string, details map[string]any, err error) {
	rec := Record{Action: action, Details: details}
	if err != nil {
		rec.Error = err.Error()
	}
	l.append(rec)
}

func (l *Log) append(rec Record) {
	if l == nil {
		return // discarded log (backtests)
	}
	rec.Ts = l.now().UTC()
	rec.Source = l.source
	if rec.Details == nil {
		rec.Details = map[string]any{}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		l.fail("marshal audit record", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size+int64(len(line)) > l.maxSize || rec.Ts.Format("2006-01-02") != l.day {
		if err := l.rotate(); err != nil {
			l.fail("rotate audit log", err)
			// keep writing to the old file rather than dropping the record
		}
	}

	n, err := l.f.Write(line)
	l.size += int64(n)
	if err != nil {
		l.fail("append audit record", err)
		return
	}
	if err := l.f.Sync(); err != nil {
		l.fail("fsync audit log", err)
	}
}

// rotate renames audit.log to audit-<day>-<unix>.log and opens a fresh file.
// Must be called with mu held.
func (l *Log) rotate() error {
	if err := l.f.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s-%s-%d.log", l.path[:len(l.path)-len(".log")], l.day, l.now().Unix())
	if err := os.Rename(l.path, rotated); err != nil {
		// reopen the original so appends continue
		if reopenErr := l.open(); reopenErr != nil {
			return reopenErr
		}
		return err
	}
	return l.open()
}

func (l *Log) fail(what string, err error) {
	l.healthy.Store(false)
	l.logger.Error(what+" failed", "error", err)
}

// Healthy reports whether every append so far has succeeded. The engine
// surfaces an unhealthy audit log in its status but keeps trading.
func (l *Log) Healthy() bool {
	if l == nil {
		return true
	}
	return l.healthy.Load()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Discard returns a no-op log. Backtests route through the same code paths
// as live trading but do not produce an audit trail.
func Discard() *Log { return nil }
