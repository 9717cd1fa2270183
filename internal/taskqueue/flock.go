package taskqueue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/qsched/qsched/internal/errors"
)

// lockFileName sits next to the snapshot it guards.
const lockFileName = "queue-state.lock"

// LockPath returns the path of the lock file guarding the snapshot in dir.
func LockPath(dir string) string {
	return filepath.Join(dir, lockFileName)
}

// stateLock is an exclusive flock(2) on a state directory, held by one
// qsched process at a time. The holder writes its pid into the lock file
// so that a process left waiting can say who it waited for.
type stateLock struct {
	f *os.File
}

// acquireStateLock takes the lock on dir, retrying every poll until it
// succeeds or ctx is done.
func acquireStateLock(ctx context.Context, dir string, poll time.Duration) (*stateLock, error) {
	path := LockPath(dir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open state lock")
	}

	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			_ = f.Close()
			return nil, errors.Wrap(err, "flock state lock")
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("state dir %s is locked by %s: %w", dir, lockHolder(path), ctx.Err())
		case <-time.After(poll):
		}
	}

	// The pid is informational only
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &stateLock{f: f}, nil
}

// lockHolder describes the process recorded in the lock file at path.
func lockHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "another process"
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return "another process"
	}
	return "pid " + strconv.Itoa(pid)
}

// release drops the lock. The lock file itself is left in place; removing
// it would let two processes lock different inodes.
func (l *stateLock) release() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	return errors.Join(syscall.Flock(int(f.Fd()), syscall.LOCK_UN), f.Close())
}
