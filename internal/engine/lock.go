package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Lock is a cross-process advisory lock guaranteeing a single engine
// writer per store directory. The flock is the source of truth; the file
// body records owner identity for operators inspecting a stuck lock.
type Lock struct {
	f    *os.File
	path string
}

type lockOwner struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
}

// Acquire takes the engine lock for dir, failing fast if another process
// holds it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, "engine.lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, fmt.Errorf("another engine instance holds %s", path)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	host, _ := os.Hostname()
	owner, _ := json.Marshal(lockOwner{
		PID:       os.Getpid(),
		Host:      host,
		StartedAt: time.Now().UTC(),
	})
	if err := f.Truncate(0); err == nil {
		f.WriteAt(append(owner, '\n'), 0)
		f.Sync()
	}

	return &Lock{f: f, path: path}, nil
}

// Release drops the lock and removes the file. Safe to call once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer func() { l.f = nil }()

	// Remove before unlocking so a waiting process never reads a stale
	// owner record.
	os.Remove(l.path)
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return l.f.Close()
}
