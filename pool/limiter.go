package pool

import (
	"context"
	"sync"
)

// limiter is a resizable concurrency limit. pgxpool cannot change its
// MaxConns once created, so endpoint pools are sized at the hard cap and
// this limiter enforces the current (autoscaled) per-workload limit.
type limiter struct {
	mu      sync.Mutex
	max     int32
	active  int32
	waiting int32
	change  chan struct{} // closed and replaced on release or resize
}

func newLimiter(max int32) *limiter {
	return &limiter{
		max:    max,
		change: make(chan struct{}),
	}
}

// acquire blocks until a slot is free or the context expires.
func (l *limiter) acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.active < l.max {
			l.active++
			l.mu.Unlock()
			return nil
		}
		ch := l.change
		l.waiting++
		l.mu.Unlock()

		select {
		case <-ch:
			l.mu.Lock()
			l.waiting--
			l.mu.Unlock()
		case <-ctx.Done():
			l.mu.Lock()
			l.waiting--
			l.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (l *limiter) release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.broadcastLocked()
	l.mu.Unlock()
}

// resize changes the limit. Growing wakes waiters; shrinking never revokes
// slots already held, the limit is enforced as they drain.
func (l *limiter) resize(max int32) {
	l.mu.Lock()
	l.max = max
	l.broadcastLocked()
	l.mu.Unlock()
}

func (l *limiter) broadcastLocked() {
	close(l.change)
	l.change = make(chan struct{})
}

func (l *limiter) stats() (active, waiting, max int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active, l.waiting, l.max
}
