// Package lockfile guards a FlowPipe state directory against a second running instance.
//
// The lock is an flock on a file in the state directory; the kernel drops it when the
// process exits, so a crashed instance never blocks the next one.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "flowpipe.lock"

// Info is the owner information written into the lock file.
type Info struct {
	PID       int
	StartedAt time.Time
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if !i.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started_at=%s\n", i.StartedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// ParseInfo reads the key=value lines of a lock file. Unknown keys are ignored.
func ParseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil && pid > 0 {
				info.PID = pid
			}
		case "started_at":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				info.StartedAt = t
			}
		}
	}
	return info
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if needed. It
// fails immediately with a *LockError when another process holds the lock.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// Truncate only once the flock is held.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Cause: err}
		if data, rerr := os.ReadFile(lockPath); rerr == nil {
			lockErr.Owner = ParseInfo(string(data))
			lockErr.OwnerRunning = lockErr.Owner.PID > 0 && isProcessRunning(lockErr.Owner.PID)
		}
		slog.Error("lockfile.AcquireLock: state directory in use", "lock_path", lockPath, "owner_pid", lockErr.Owner.PID)
		return nil, lockErr
	}

	info := Info{PID: os.Getpid(), StartedAt: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	slog.Info("lockfile.AcquireLock: acquired", "lock_path", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info.String()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: sync failed", "error", err)
	}
	return nil
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: flock unlock failed", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: close failed", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: remove failed", "lock_path", l.path, "error", err)
	}
	l.file = nil
	slog.Info("Lock.Release: released", "lock_path", l.path)
	return nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath     string
	Owner        Info
	OwnerRunning bool
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("Another FlowPipe instance is already running using the same state directory.\n\nLock file: %s", e.LockPath)
	if e.Owner.PID > 0 {
		state := "not running, stale lock"
		if e.OwnerRunning {
			state = "running"
		}
		msg += fmt.Sprintf("\nExisting process: PID %d (%s)", e.Owner.PID, state)
		if !e.Owner.StartedAt.IsZero() {
			msg += fmt.Sprintf(", started %s", e.Owner.StartedAt.Format(time.RFC3339))
		}
	}
	msg += "\n\nStop the other instance or point FLOWPIPE_STATE_DIR at a different directory."
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
