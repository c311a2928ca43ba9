package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aggiestack/aggiestack/internal/domain"
)

const lockPollInterval = 50 * time.Millisecond

// FileLock is an exclusive advisory lock guarding a state file between processes.
type FileLock struct {
	path string
	file *os.File
}

// LockStateFile takes the lock for the state file at path, waiting up to
// timeout for another holder to let go. A zero timeout tries once.
func LockStateFile(ctx context.Context, path string, timeout time.Duration) (*FileLock, error) {
	lockPath := path + ".lock"

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &FileLock{path: lockPath, file: file}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			file.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
		}

		if !time.Now().Before(deadline) {
			file.Close()
			return nil, fmt.Errorf("%w: state file %s is in use by another process", domain.ErrUnavailable, path)
		}

		select {
		case <-ctx.Done():
			file.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Unlock releases the lock. It is safe to call more than once.
func (l *FileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil

	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return nil
}
