// Package lockfile guards a turnengine data directory with an exclusive,
// process-scoped lock whose file records the holder's pid.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyLocked matches any *LockedError via errors.Is.
var ErrAlreadyLocked = errors.New("lock already held")

// errContended is what the platform tryLock returns when another process
// holds the lock.
var errContended = errors.New("lock contended")

// FileName is the lock file created inside a data directory.
const FileName = "turnengine.lock"

// LockedError reports a data directory owned by another process. PID is 0
// when the holder's pid could not be read.
type LockedError struct {
	Path string
	PID  int
}

func (e *LockedError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s is held by pid %d", e.Path, e.PID)
	}
	return e.Path + " is held by another process"
}

func (e *LockedError) Is(target error) bool { return target == ErrAlreadyLocked }

// Lock guards a data directory so two servers never share one sqlite file
// or bolt cache.
type Lock struct {
	path string
	f    *os.File
}

// AcquireDir creates dataDir when missing and locks <dataDir>/turnengine.lock.
func AcquireDir(dataDir string) (*Lock, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, errors.New("data dir is empty")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	return Acquire(filepath.Join(dataDir, FileName))
}

// Acquire locks path without blocking. A held lock yields *LockedError.
func Acquire(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := tryLock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errContended) {
			return nil, &LockedError{Path: path, PID: HolderPID(path)}
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if err := writePID(f); err != nil {
		_ = unlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("write pid to %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the file. The file itself is left in place;
// removing it would race a concurrent Acquire on the same path.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}

// HolderPID returns the pid recorded in the lock file at path, or 0.
func HolderPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
