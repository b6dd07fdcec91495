package locking

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	fileLockRetryDelay = 100 * time.Millisecond

	// DefaultFileLockStripes bounds the number of lock files in a directory.
	DefaultFileLockStripes = 256
)

// FileLock is a Group implementation backed by advisory file locks. Keys are
// hashed onto a fixed set of lock files under a directory, so the directory
// never grows past the stripe count. Two keys sharing a stripe exclude each
// other. It provides mutual exclusion across processes sharing the directory
// as well as within one process.
type FileLock struct {
	dir     string
	stripes uint32
}

// NewFileLock creates a FileLock that keeps its lock files in dir.
// The directory is created lazily on first use.
func NewFileLock(dir string) *FileLock {
	return &FileLock{dir: dir, stripes: DefaultFileLockStripes}
}

// lockPath returns the path to the lock file guarding key.
func (l *FileLock) lockPath(key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	return filepath.Join(l.dir, fmt.Sprintf("stripe-%02x.lock", h.Sum32()%l.stripes))
}

func (l *FileLock) DoWithLock(ctx context.Context, key string, fn func() error) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create locks directory: %w", err)
	}

	fl := flock.New(l.lockPath(key))

	// TryLockContext retries until the lock is acquired or ctx is done.
	locked, err := fl.TryLockContext(ctx, fileLockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire lock for %s: %w", key, err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock for %s: %w", key, ctx.Err())
	}
	defer fl.Unlock()

	return fn()
}
