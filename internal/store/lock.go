// Package store keeps the on-disk marker that stops two rebalancers from
// driving the same pair at once.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
)

var ErrLocked = errors.New("instance lock held")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	// Takeover allows replacing a lock whose owner is gone or which is older
	// than StaleAfter.
	Takeover   bool
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

type lockOwner struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host,omitempty"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// LockPath is where the lock for name lives under dir.
func LockPath(dir, name string) string {
	clean := strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if clean == "" {
		clean = "default"
	}
	return filepath.Join(dir, "rebalance-"+strings.ToLower(clean)+".lock")
}

// AcquireInstanceLock creates the lock file for name, e.g. the traded pair.
// It fails with ErrLocked when a live owner holds it.
func AcquireInstanceLock(dir, name string, opts LockOptions) (*InstanceLock, error) {
	if dir == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path := LockPath(dir, name)

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner := lockOwner{PID: os.Getpid(), Name: name, StartedAt: now().UTC()}
			owner.Host, _ = os.Hostname()
			if err := writeOwner(f, owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, err)
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.Takeover {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		reason, stale, err := staleReason(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrLocked, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		logger.Warn("instance_lock_takeover", slog.String("path", path), slog.String("reason", reason))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func writeOwner(f *os.File, owner lockOwner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func staleReason(path string, now time.Time, staleAfter time.Duration) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "lock_disappeared", true, nil
		}
		return "", false, err
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		// unreadable owner: only age can free it
		info, statErr := os.Stat(path)
		if statErr != nil {
			return "", false, statErr
		}
		owner = lockOwner{StartedAt: info.ModTime().UTC()}
	}

	if owner.PID > 0 {
		if processAlive(owner.PID) {
			return "owner_process_running", false, nil
		}
		return "owner_process_not_running", true, nil
	}
	if owner.StartedAt.IsZero() {
		return "missing_lock_owner_info", false, nil
	}
	if staleAfter > 0 && now.Sub(owner.StartedAt) >= staleAfter {
		return "lock_age_exceeded", true, nil
	}
	return "lock_not_stale", false, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}

func (l *InstanceLock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
