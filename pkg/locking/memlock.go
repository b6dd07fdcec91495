package locking

import (
	"context"
	"sync"
)

// MemLock is a Group implementation that uses in-memory locks for mutual
// exclusion. It only works within a single process and doesn't protect
// against other cachier processes sharing the same cache directory. It's
// used primarily in tests.
type MemLock struct {
	sync.Mutex
	locks map[string]chan struct{}
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]chan struct{}),
	}
}

func (s *MemLock) DoWithLock(ctx context.Context, key string, fn func() error) error {
	s.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[key] = lock
	}
	s.Unlock()

	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()
	return fn()
}
