package queue

import (
	"context"
	"sync"
	"time"

	"github.com/mediaq/mediaq/internal/infra/metrics"
)

// Signal is the advisory "work probably pending" hint. It is raised on every
// enqueue, refreshed from a count query once its value is older than ttl, and
// lowered only when a full scan observes zero pending tasks. Waiters can block
// on Changed until the next enqueue.
type Signal struct {
	ttl   time.Duration
	count func(ctx context.Context) (int, error)
	now   func() time.Time

	mu        sync.Mutex
	pending   bool
	checkedAt time.Time
	changed   chan struct{}
}

// NewSignal creates a signal that refreshes itself through count.
func NewSignal(ttl time.Duration, count func(ctx context.Context) (int, error)) *Signal {
	return &Signal{
		ttl:     ttl,
		count:   count,
		now:     time.Now,
		changed: make(chan struct{}),
	}
}

// Notify raises the hint and wakes every waiter.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(true)
	close(s.changed)
	s.changed = make(chan struct{})
}

// Observe records the result of a full scan.
func (s *Signal) Observe(pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(pending > 0)
}

// Pending returns the cached hint, refreshing it when stale.
func (s *Signal) Pending(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.now().Sub(s.checkedAt) < s.ttl {
		p := s.pending
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	n, err := s.count(ctx)
	if err != nil {
		return false, err
	}
	s.Observe(n)
	return n > 0, nil
}

// Changed returns a channel closed by the next Notify.
func (s *Signal) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Wait blocks up to d for the hint to become true.
func (s *Signal) Wait(ctx context.Context, d time.Duration) (bool, error) {
	changed := s.Changed()
	if p, err := s.Pending(ctx); err != nil || p || d <= 0 {
		return p, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-changed:
		return true, nil
	case <-timer.C:
		return s.Pending(ctx)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// set must be called with mu held.
func (s *Signal) set(pending bool) {
	s.pending = pending
	s.checkedAt = s.now()
	if pending {
		metrics.PendingHint.Set(1)
	} else {
		metrics.PendingHint.Set(0)
	}
}
