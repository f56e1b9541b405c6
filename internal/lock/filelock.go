package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// FileLock is an exclusive lock implemented via flock(2). Keep the lock
// alive by keeping the file descriptor open. Unlike a PID lock it blocks:
// the second holder waits for the first to release rather than failing.
type FileLock struct {
	path string
	f    *os.File
}

// Acquire blocks until the exclusive lock at lockPath is held and returns a
// handle that must be released.
func Acquire(lockPath string) (*FileLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	return &FileLock{path: lockPath, f: f}, nil
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
