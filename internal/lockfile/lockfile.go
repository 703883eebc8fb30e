// Package lockfile keeps two OutreachPipe processes from sharing one state
// directory.
//
// SQLite state and the whatsmeow session both live in the state directory and
// must have a single writer. The lock is a flock on a file in that directory;
// the kernel drops it when the process exits, however it exits.
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

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "outreachpipe.lock"

// Info identifies the process holding a lock.
type Info struct {
	PID     int
	Host    string
	Started time.Time
}

func (i Info) String() string {
	var parts []string
	if i.PID > 0 {
		state := "not running, stale lock"
		if isProcessRunning(i.PID) {
			state = "running"
		}
		parts = append(parts, fmt.Sprintf("PID %d (%s)", i.PID, state))
	}
	if i.Host != "" {
		parts = append(parts, "host "+i.Host)
	}
	if !i.Started.IsZero() {
		parts = append(parts, "since "+i.Started.Format(time.RFC3339))
	}
	return strings.Join(parts, ", ")
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if
// needed. It fails with a *LockError naming the holder when another process
// has it.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// Opened without O_TRUNC so a failed attempt keeps the holder's info.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := readInfo(lockPath)
		slog.Error("lockfile.AcquireLock: state directory in use", "lock_path", lockPath, "holder", holder.String())
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	host, _ := os.Hostname()
	self := Info{PID: os.Getpid(), Host: host, Started: time.Now().UTC()}
	if err := writeInfo(file, self); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lock_path", lockPath, "pid", self.PID)
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. It is safe to call more
// than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath string
	Holder   Info
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another OutreachPipe process is using this state directory (lock file %s)", e.LockPath)
	if h := e.Holder.String(); h != "" {
		fmt.Fprintf(&b, "; holder: %s", h)
	}
	fmt.Fprintf(&b, "; if no such process exists, remove the lock file with: rm %s", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nhost=%s\nstarted=%s\n", info.PID, info.Host, info.Started.Format(time.RFC3339))
	if err != nil {
		return err
	}
	return f.Sync()
}

func readInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return parseInfo(bufio.NewScanner(f)), nil
}

// parseInfo reads key=value lines; unknown keys and bad values are ignored.
func parseInfo(sc *bufio.Scanner) Info {
	var info Info
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "host":
			info.Host = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.Started = t
			}
		}
	}
	return info
}

// isProcessRunning sends signal 0, which only checks that the process exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
