package invalidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pgplane/pgplane/consts"
)

// fakeStore scripts InvalidateByTable failures.
type fakeStore struct {
	failures  int // fail this many calls before succeeding
	calls     int
	flushed   []string
	flushErr  error
	dependent []string
}

func (f *fakeStore) InvalidateByTable(table, tenant string) (int, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, errors.New("lock contention")
	}
	return 3, nil
}

func (f *fakeStore) InvalidateAll(cacheName string) (int, error) {
	if f.flushErr != nil {
		return 0, f.flushErr
	}
	f.flushed = append(f.flushed, cacheName)
	return 5, nil
}

func (f *fakeStore) CachesDependingOn(string) []string {
	return f.dependent
}

func TestOnWriteSucceedsFirstTry(t *testing.T) {
	store := &fakeStore{}
	d := New(store, 3)

	if err := d.OnWrite(context.Background(), "boards", "acme", time.Now()); err != nil {
		t.Fatalf("OnWrite failed: %v", err)
	}
	if store.calls != 1 {
		t.Errorf("calls = %d, want 1", store.calls)
	}
	if len(store.flushed) != 0 {
		t.Errorf("unexpected flushes: %v", store.flushed)
	}
}

func TestOnWriteRetriesTransientFailures(t *testing.T) {
	store := &fakeStore{failures: 2}
	d := New(store, 3)

	if err := d.OnWrite(context.Background(), "boards", "", time.Now()); err != nil {
		t.Fatalf("OnWrite failed despite retries: %v", err)
	}
	if store.calls != 3 {
		t.Errorf("calls = %d, want 3", store.calls)
	}
	if len(store.flushed) != 0 {
		t.Errorf("escalated despite eventual success: %v", store.flushed)
	}
}

func TestExhaustedRetriesForceFullFlush(t *testing.T) {
	store := &fakeStore{
		failures:  100,
		dependent: []string{"boards", "reports"},
	}
	d := New(store, 2)

	// The forced flush restores correctness, so OnWrite itself succeeds.
	if err := d.OnWrite(context.Background(), "boards", "", time.Now()); err != nil {
		t.Fatalf("OnWrite failed even though the flush succeeded: %v", err)
	}
	if len(store.flushed) != 2 {
		t.Errorf("flushed = %v, want both dependent caches", store.flushed)
	}
}

func TestFlushFailureSurfacesInvalidationError(t *testing.T) {
	store := &fakeStore{
		failures:  100,
		dependent: []string{"boards"},
		flushErr:  errors.New("store wedged"),
	}
	d := New(store, 1)

	err := d.OnWrite(context.Background(), "boards", "", time.Now())
	if !errors.Is(err, consts.ErrInvalidationFailed) {
		t.Errorf("err = %v, want ErrInvalidationFailed", err)
	}
}

func TestOnWriteHonorsContext(t *testing.T) {
	store := &fakeStore{failures: 100, dependent: nil}
	d := New(store, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With the context already cancelled the retry loop stops early; no
	// dependent caches means the escalation is a no-op and OnWrite returns
	// cleanly.
	if err := d.OnWrite(ctx, "boards", "", time.Now()); err != nil {
		t.Fatalf("OnWrite = %v", err)
	}
	if store.calls > 2 {
		t.Errorf("retry loop ignored cancellation: %d calls", store.calls)
	}
}
