//go:build !unix

package checkpoint

import (
	"context"
	"time"
)

// DirLock is a no-op on platforms without flock; single-process use is the
// caller's responsibility there.
type DirLock struct{}

// AcquireLock always succeeds on platforms without flock.
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*DirLock, error) {
	return &DirLock{}, ctx.Err()
}

// Release is a no-op.
func (l *DirLock) Release() error {
	return nil
}
