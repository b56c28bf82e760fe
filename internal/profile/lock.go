// Package profile manages the browser profile directory: exclusive ownership
// for the lifetime of a session, plus tar.gz snapshots that can seed a fresh
// profile on another host.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// LockFileName is created inside the profile directory while it is owned
const LockFileName = ".sessionshot.lock"

// ErrProfileInUse is returned when another live process owns the directory
var ErrProfileInUse = errors.New("profile directory is in use")

// Lock is exclusive ownership of a profile directory
type Lock struct {
	dir      string
	path     string
	released sync.Once
}

// Acquire creates dir if needed and takes ownership of it. A lock left behind
// by a process that no longer exists is taken over.
func Acquire(dir string) (*Lock, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile directory: %w", err)
	}

	if err := os.MkdirAll(absDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	path := filepath.Join(absDir, LockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
			}
			return &Lock{dir: absDir, path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		pid, alive := lockOwner(path)
		if alive {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrProfileInUse, absDir, pid)
		}

		// stale lock from a crashed run
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrProfileInUse, absDir)
}

// Dir returns the absolute profile directory
func (l *Lock) Dir() string {
	return l.dir
}

// Release gives up ownership. Safe to call more than once.
func (l *Lock) Release() error {
	var err error
	l.released.Do(func() {
		if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
			err = fmt.Errorf("failed to remove lock file: %w", rerr)
		}
	})
	return err
}

func lockOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		// unreadable or half-written lock; treat as held
		return 0, true
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, true
	}

	if pid == os.Getpid() {
		return pid, true
	}
	return pid, processAlive(pid)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrPermission)
}
