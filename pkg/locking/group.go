package locking

import "context"

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys.
type Group interface {
	// DoWithLock runs fn with mutual exclusion over key. It returns ctx's
	// error without running fn if the lock cannot be acquired before ctx is done.
	DoWithLock(ctx context.Context, key string, fn func() error) error
}
