package pool

import (
	"context"
	"testing"
	"time"
)

func TestLimiterBlocksAtCapacity(t *testing.T) {
	l := newLimiter(2)
	ctx := context.Background()

	if err := l.acquire(ctx); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := l.acquire(ctx); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.acquire(blockedCtx); err == nil {
		t.Fatal("third acquire succeeded past the limit")
	}

	active, waiting, max := l.stats()
	if active != 2 || waiting != 0 || max != 2 {
		t.Errorf("stats = (%d, %d, %d), want (2, 0, 2)", active, waiting, max)
	}
}

func TestReleaseWakesWaiter(t *testing.T) {
	l := newLimiter(1)
	ctx := context.Background()

	if err := l.acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		got <- l.acquire(waitCtx)
	}()

	// Give the waiter time to park before releasing.
	time.Sleep(20 * time.Millisecond)
	l.release()

	if err := <-got; err != nil {
		t.Fatalf("waiter was not woken by release: %v", err)
	}
}

func TestResizeGrowWakesWaiter(t *testing.T) {
	l := newLimiter(1)
	ctx := context.Background()

	if err := l.acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		got <- l.acquire(waitCtx)
	}()

	time.Sleep(20 * time.Millisecond)
	l.resize(2)

	if err := <-got; err != nil {
		t.Fatalf("waiter was not woken by resize: %v", err)
	}
}

func TestResizeShrinkNeverRevokesHeldSlots(t *testing.T) {
	l := newLimiter(4)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := l.acquire(ctx); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}

	l.resize(2)
	active, _, max := l.stats()
	if active != 4 || max != 2 {
		t.Errorf("stats after shrink = (%d, %d)", active, max)
	}

	// Slots drain toward the new limit: releasing one still leaves the
	// limiter over capacity, so an acquire must not succeed.
	l.release()
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.acquire(blockedCtx); err == nil {
		t.Error("acquire succeeded while limiter was over its shrunk limit")
	}

	l.release()
	l.release() // active now 1, below the limit of 2
	if err := l.acquire(ctx); err != nil {
		t.Errorf("acquire failed after draining below the limit: %v", err)
	}
}
