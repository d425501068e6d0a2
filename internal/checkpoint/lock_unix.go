//go:build unix

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// DirLock is an advisory exclusive lock on a working directory.
type DirLock struct {
	file *os.File
}

// AcquireLock takes an exclusive flock on path, polling with exponential
// backoff until timeout elapses or ctx is done.
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*DirLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create lock dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open lock file: %w", err)
	}

	err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return &DirLock{file: file}, nil
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		file.Close()
		return nil, fmt.Errorf("checkpoint: flock: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	const (
		minBackoff = 50 * time.Millisecond
		maxBackoff = time.Second
	)
	backoff := minBackoff
	for {
		select {
		case <-lockCtx.Done():
			file.Close()
			return nil, fmt.Errorf("%w: %s after %v: %w", ErrLocked, path, timeout, lockCtx.Err())
		case <-time.After(backoff):
			err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
			if err == nil {
				return &DirLock{file: file}, nil
			}
			if !errors.Is(err, syscall.EWOULDBLOCK) {
				file.Close()
				return nil, fmt.Errorf("checkpoint: flock: %w", err)
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *DirLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
