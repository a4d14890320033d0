package fsx

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/crystalford/flyback/iox"
)

// Lock acquisition defaults.
const (
	DefaultLockTimeout = 5 * time.Second
	DefaultLockRetry   = 50 * time.Millisecond
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// timeout. The in-flight command aborts; the caller may retry.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// FileLock is an advisory lock held via an exclusively created
// <target>.lock file. It coordinates cooperating processes (writer,
// compaction, export tooling); in-process serialization is done with
// mutexes, not file locks.
type FileLock struct {
	path string
}

// AcquireLock acquires the advisory lock for target, retrying every
// retry interval until timeout. Zero durations use the defaults.
func AcquireLock(target string, timeout, retry time.Duration) (*FileLock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if retry <= 0 {
		retry = DefaultLockRetry
	}

	lockPath := target + ".lock"
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			iox.DiscardClose(f)
			return &FileLock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		time.Sleep(retry)
	}
}

// Release removes the lock file. Releasing twice is an error.
func (l *FileLock) Release() error {
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}
