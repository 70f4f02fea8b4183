package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// SessionLock enforces one session per repository.
type SessionLock struct {
	path string
}

// AcquireLock takes the session lock under baseDir. A lock held by a
// dead process is reclaimed.
func AcquireLock(baseDir string) (*SessionLock, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", baseDir, err)
	}
	path := filepath.Join(baseDir, "session.lock")

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &SessionLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create session lock: %w", err)
		}
		pid, readErr := readLockPID(path)
		if readErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("another session is running (pid %d); stop it or remove %s", pid, path)
		}
		// Stale lock from a dead process.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale session lock: %w", err)
		}
	}
	return nil, fmt.Errorf("could not acquire session lock at %s", path)
}

// Release removes the lock file.
func (l *SessionLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
