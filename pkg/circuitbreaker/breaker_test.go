package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func tripAfter3() Settings {
	return Settings{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	}
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	done, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	done(false)
}

func succeed(t *testing.T, b *Breaker) {
	t.Helper()
	done, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	done(true)
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := New(tripAfter3())

	fail(t, b)
	fail(t, b)
	if b.State() != StateClosed {
		t.Fatal("breaker tripped early")
	}

	fail(t, b)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow in open state = %v, want ErrOpen", err)
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(tripAfter3())

	fail(t, b)
	fail(t, b)
	succeed(t, b)
	fail(t, b)
	fail(t, b)

	if b.State() != StateClosed {
		t.Error("breaker tripped on non-consecutive failures")
	}
}

func TestHalfOpenProbeClosesOrReopens(t *testing.T) {
	b := New(tripAfter3())
	fail(t, b)
	fail(t, b)
	fail(t, b)

	// After the timeout one probe is admitted.
	time.Sleep(60 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}

	// A failed probe reopens immediately.
	done, err := b.Allow()
	if err != nil {
		t.Fatalf("half-open probe rejected: %v", err)
	}
	done(false)
	if b.State() != StateOpen {
		t.Errorf("state after failed probe = %v, want open", b.State())
	}

	// A successful probe closes the breaker.
	time.Sleep(60 * time.Millisecond)
	done, err = b.Allow()
	if err != nil {
		t.Fatalf("half-open probe rejected: %v", err)
	}
	done(true)
	if b.State() != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", b.State())
	}
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	b := New(tripAfter3())
	fail(t, b)
	fail(t, b)
	fail(t, b)
	time.Sleep(60 * time.Millisecond)

	if _, err := b.Allow(); err != nil {
		t.Fatalf("first probe rejected: %v", err)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("second concurrent probe = %v, want ErrTooManyRequests", err)
	}
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	st := tripAfter3()
	st.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}
	b := New(st)

	fail(t, b)
	fail(t, b)
	fail(t, b)

	if len(transitions) != 1 || transitions[0] != "CLOSED>OPEN" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestCountsTrackFailures(t *testing.T) {
	b := New(tripAfter3())
	fail(t, b)
	counts := b.Counts()
	if counts.ConsecutiveFailures != 1 || counts.TotalFailures != 1 {
		t.Errorf("counts = %+v", counts)
	}
}
