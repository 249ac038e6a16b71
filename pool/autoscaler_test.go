package pool

import (
	"context"
	"testing"
	"time"

	"github.com/pgplane/pgplane/config"
)

func scalerFixture(t *testing.T, minConns, maxConns, hardCap int32) (*Registry, *Autoscaler) {
	t.Helper()
	r := testRegistry(t, config.PoolConfig{
		Name:           "api",
		Workload:       "api",
		MinConnections: minConns,
		MaxConnections: maxConns,
		HardCap:        hardCap,
	})
	return r, NewAutoscaler(r, time.Minute)
}

func holdConns(t *testing.T, r *Registry, n int) []*Conn {
	t.Helper()
	conns := make([]*Conn, 0, n)
	for i := 0; i < n; i++ {
		c, err := r.Acquire(context.Background(), "api", "primary")
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		conns = append(conns, c)
	}
	return conns
}

func TestScaleUpOnHighUtilization(t *testing.T) {
	r, a := scalerFixture(t, 2, 10, 40)

	holdConns(t, r, 9) // 90% utilization
	a.Evaluate()

	stats, _ := r.Stats("api")
	if stats.Max != 20 {
		t.Errorf("max after scale up = %d, want 20", stats.Max)
	}
}

func TestScaleUpCappedAtHardCap(t *testing.T) {
	r, a := scalerFixture(t, 2, 10, 15)

	holdConns(t, r, 10)
	a.Evaluate()
	stats, _ := r.Stats("api")
	if stats.Max != 15 {
		t.Errorf("max = %d, want hard cap 15", stats.Max)
	}

	// At the cap, further saturation never grows the pool.
	a.Evaluate()
	stats, _ = r.Stats("api")
	if stats.Max != 15 {
		t.Errorf("pool grew past its hard cap: %d", stats.Max)
	}
}

func TestScaleDownRequiresSustainedLowUtilization(t *testing.T) {
	r, a := scalerFixture(t, 2, 32, 64)

	holdConns(t, r, 1) // ~3% utilization

	a.Evaluate()
	a.Evaluate()
	stats, _ := r.Stats("api")
	if stats.Max != 32 {
		t.Fatalf("pool shrank before the sustain window: %d", stats.Max)
	}

	a.Evaluate() // third consecutive low window
	stats, _ = r.Stats("api")
	if stats.Max != 24 {
		t.Errorf("max after scale down = %d, want 24", stats.Max)
	}
}

func TestScaleDownInterruptedByLoad(t *testing.T) {
	r, a := scalerFixture(t, 2, 32, 64)

	holdConns(t, r, 1)
	a.Evaluate()
	a.Evaluate()

	// A busy window resets the streak.
	burst := holdConns(t, r, 28)
	a.Evaluate() // high utilization, scales up instead
	for _, c := range burst {
		c.Release()
	}

	a.Evaluate()
	a.Evaluate()
	stats, _ := r.Stats("api")
	if stats.Max < 32 {
		t.Errorf("pool shrank without a fresh sustained-low streak: %d", stats.Max)
	}
}

func TestScaleDownFloorsAtTwiceMin(t *testing.T) {
	r, a := scalerFixture(t, 4, 10, 40)

	// Idle pool, repeated low windows; the floor is min*2 = 8.
	for i := 0; i < 12; i++ {
		a.Evaluate()
	}
	stats, _ := r.Stats("api")
	if stats.Max != 8 {
		t.Errorf("max = %d, want floor 8", stats.Max)
	}
}

func TestWaitingRequestsTriggerScaleUp(t *testing.T) {
	r, a := scalerFixture(t, 2, 4, 16)
	held := holdConns(t, r, 4)
	defer func() {
		for _, c := range held {
			c.Release()
		}
	}()

	// Park a waiter, then evaluate while it is queued.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c, err := r.Acquire(ctx, "api", "primary")
		if err == nil {
			c.Release()
		}
	}()
	time.Sleep(20 * time.Millisecond)

	a.Evaluate()
	stats, _ := r.Stats("api")
	if stats.Max != 8 {
		t.Errorf("max with waiting requests = %d, want 8", stats.Max)
	}
	<-done
}
