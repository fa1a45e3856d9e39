package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/floegence/redeven-orchestrator/internal/monitor"
)

// StateLockName is the lock file guarding a state directory for one interactive session.
const StateLockName = "session.lock"

var (
	// ErrAlreadyLocked indicates the lock is held by another process.
	ErrAlreadyLocked = errors.New("lock already held")
)

// HeldError describes the current holder of a lock. It matches ErrAlreadyLocked.
type HeldError struct {
	Path  string
	PID   int
	Alive bool
}

func (e *HeldError) Error() string {
	if e.PID <= 0 {
		return fmt.Sprintf("%s: %v", e.Path, ErrAlreadyLocked)
	}
	state := "running"
	if !e.Alive {
		state = "not running"
	}
	return fmt.Sprintf("%s: %v by pid %d (%s)", e.Path, ErrAlreadyLocked, e.PID, state)
}

func (e *HeldError) Unwrap() error { return ErrAlreadyLocked }

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive non-blocking lock on path and records the caller's pid in it.
func Acquire(path string) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyLocked) {
			pid, alive := Holder(context.Background(), path)
			return nil, &HeldError{Path: path, PID: pid, Alive: alive}
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// AcquireStateDir locks <stateDir>/session.lock, creating the directory if needed.
func AcquireStateDir(stateDir string) (*Lock, error) {
	stateDir = strings.TrimSpace(stateDir)
	if stateDir == "" {
		return nil, fmt.Errorf("state dir is empty")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	return Acquire(filepath.Join(stateDir, StateLockName))
}

// Holder reads the pid recorded in path and whether that process is still alive.
func Holder(ctx context.Context, path string) (pid int, alive bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, monitor.Alive(ctx, pid)
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	// Unlock first; close always.
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
