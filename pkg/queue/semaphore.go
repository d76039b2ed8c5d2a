package queue

import (
	"context"
	"sync"
)

// Semaphore bounds concurrent builds by a limit that can change while
// permits are held. Raising the limit admits waiters at once; lowering it
// only delays future acquisitions.
type Semaphore struct {
	mu      sync.Mutex
	limit   int
	held    int
	changed chan struct{}
}

// NewSemaphore returns a semaphore admitting limit holders.
func NewSemaphore(limit int) *Semaphore {
	return &Semaphore{limit: limit, changed: make(chan struct{})}
}

// Acquire blocks until a permit is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.held < s.limit {
			s.held++
			s.mu.Unlock()
			return nil
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release returns a permit.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if s.held > 0 {
		s.held--
	}
	s.broadcast()
	s.mu.Unlock()
}

// SetLimit changes the limit. Holders above a lowered limit keep their
// permits.
func (s *Semaphore) SetLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == s.limit {
		return
	}
	s.limit = n
	s.broadcast()
}

// Held reports permits in use.
func (s *Semaphore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// broadcast wakes every waiter; callers hold mu.
func (s *Semaphore) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}
