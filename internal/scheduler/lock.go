package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// ErrLocked means another supervisor already owns the worker pool.
var ErrLocked = errors.New("another supervisor holds the pool lock")

// FileLock keeps a single supervisor per pool. The holder's PID is written
// into the file for operators.
type FileLock struct {
	path string
	fl   *flock.Flock
}

// NewFileLock creates a FileLock for the given path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, fl: flock.New(path)}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false if another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return false, err
		}
	}
	ok, err := l.fl.TryLock()
	if err != nil || !ok {
		return false, err
	}
	_ = os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
	return true, nil
}

// Lock is TryLock that reports a held lock as ErrLocked.
func (l *FileLock) Lock() error {
	ok, err := l.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, l.path)
	}
	return nil
}

// Unlock releases the lock and removes the lock file.
func (l *FileLock) Unlock() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	os.Remove(l.path)
	return nil
}
