// Package lockfile guards a LobikoPipe state directory so only one intake
// process owns its WhatsApp session store and conversation timers.
//
// The lock is an flock(2) on a file inside the directory. The kernel drops it
// when the process exits, so a crash never leaves the directory wedged.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the state directory.
const LockFileName = "lobikopipe.lock"

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID        int
	AcquiredAt time.Time
	Running    bool
}

func (o Owner) String() string {
	if o.PID <= 0 {
		return "unknown owner"
	}
	state := "not running, stale"
	if o.Running {
		state = "running"
	}
	if o.AcquiredAt.IsZero() {
		return fmt.Sprintf("PID %d (%s)", o.PID, state)
	}
	return fmt.Sprintf("PID %d since %s (%s)", o.PID, o.AcquiredAt.Format(time.RFC3339), state)
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes an exclusive, non-blocking lock on stateDir, creating the
// directory if needed. When another process holds it, the returned error is a
// *LockError describing that process.
func Acquire(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the owner record of a live holder before flock fails.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := ReadOwner(lockPath)
		slog.Error("Lockfile.Acquire: state directory in use", "lockPath", lockPath, "owner", owner.String())
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	if err := writeOwner(file, os.Getpid(), time.Now()); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to record lock owner in %s: %w", lockPath, err)
	}

	slog.Info("Lockfile.Acquire: state directory locked", "lockPath", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Release unlocks and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Lockfile.Release: could not remove lock file", "lockPath", l.path, "error", err)
	}
	l.file = nil
	slog.Info("Lockfile.Release: state directory unlocked", "lockPath", l.path)
	return errors.Join(errs...)
}

func writeOwner(file *os.File, pid int, at time.Time) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	record := fmt.Sprintf("pid=%d\nacquired=%s\n", pid, at.UTC().Format(time.RFC3339))
	if _, err := file.WriteString(record); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile.writeOwner: sync failed", "error", err)
	}
	return nil
}

// ReadOwner parses the owner record of a lock file. Missing or malformed
// records yield a zero Owner.
func ReadOwner(lockPath string) Owner {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Owner{}
	}
	return parseOwner(string(data))
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "acquired":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				o.AcquiredAt = t
			}
		}
	}
	if o.PID > 0 {
		o.Running = processRunning(o.PID)
	}
	return o
}

// processRunning checks pid with signal 0.
func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("state directory is locked by another LobikoPipe process (%s); lock file %s. "+
		"Stop that process or point LOBIKO_STATE_DIR elsewhere", e.Owner, e.LockPath)
}

func (e *LockError) Unwrap() error { return e.Cause }
