// Package replica monitors read replicas for liveness and replication lag
// and drives the failover procedure when a replica fails.
package replica

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgplane/pgplane/logger"
	"github.com/pgplane/pgplane/pkg/metrics"
	"github.com/pgplane/pgplane/router"
)

// Status is the replica state machine:
// active <-> syncing on normal lag fluctuation, active/syncing -> failed on
// repeated probe failure or sustained lag over the hard ceiling, and
// failed -> active once a probe succeeds with lag back within tolerance.
type Status string

const (
	StatusActive  Status = "active"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// Prober measures replication lag of one replica.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// PgProber probes a replica through its pgx pool.
type PgProber struct {
	Pool *pgxpool.Pool
}

// Probe returns the replica's replay lag. A replica that has fully caught
// up reports zero.
func (p *PgProber) Probe(ctx context.Context) (time.Duration, error) {
	var lagSeconds float64
	err := p.Pool.QueryRow(ctx,
		`SELECT COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())), 0)::float8`,
	).Scan(&lagSeconds)
	if err != nil {
		return 0, err
	}
	if lagSeconds < 0 {
		lagSeconds = 0
	}
	return time.Duration(lagSeconds * float64(time.Second)), nil
}

// Config describes one monitored replica.
type Config struct {
	Name            string
	MaxLag          time.Duration
	HardLagCeiling  time.Duration
	Weight          int
	PreferAnalytics bool
}

type state struct {
	cfg    Config
	prober Prober

	mu                sync.RWMutex
	status            Status
	lag               time.Duration
	lastCheck         time.Time
	lastError         error
	consecFails       int
	consecOverCeiling int
}

// Snapshot is a point-in-time view of one replica for health reporting.
type Snapshot struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Lag       time.Duration `json:"lag"`
	LastCheck time.Time     `json:"last_check"`
	Weight    int           `json:"read_weight"`
	LastError string        `json:"last_error,omitempty"`
}

// Monitor probes all registered replicas on a fixed interval, independent
// of request traffic. It owns replica status and lag exclusively; routing
// components only read through the HealthView methods.
type Monitor struct {
	interval      time.Duration
	probeTimeout  time.Duration
	failThreshold int

	mu         sync.RWMutex
	replicas   map[string]*state
	onFailover []func(name string)
	onRecovery []func(name string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. failThreshold is the number of consecutive
// bad probes (errors or lag over the hard ceiling) before a replica fails.
func NewMonitor(interval time.Duration, failThreshold int) *Monitor {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	probeTimeout := interval / 2
	if probeTimeout < time.Second {
		probeTimeout = time.Second
	}
	return &Monitor{
		interval:      interval,
		probeTimeout:  probeTimeout,
		failThreshold: failThreshold,
		replicas:      make(map[string]*state),
	}
}

// Register adds a replica. New replicas start in syncing state until their
// first successful probe.
func (m *Monitor) Register(cfg Config, prober Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replicas[cfg.Name] = &state{
		cfg:    cfg,
		prober: prober,
		status: StatusSyncing,
	}
	metrics.ReplicaStatus.WithLabelValues(cfg.Name).Set(1)
}

// OnFailover registers a callback fired when a replica transitions to
// failed. The callback runs outside the replica's state lock.
func (m *Monitor) OnFailover(cb func(name string)) {
	m.mu.Lock()
	m.onFailover = append(m.onFailover, cb)
	m.mu.Unlock()
}

// OnRecovery registers a callback fired when a failed replica recovers.
func (m *Monitor) OnRecovery(cb func(name string)) {
	m.mu.Lock()
	m.onRecovery = append(m.onRecovery, cb)
	m.mu.Unlock()
}

// Start launches one probe loop per replica.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.replicas {
		m.wg.Add(1)
		go func(st *state) {
			defer m.wg.Done()
			ticker := time.NewTicker(m.interval)
			defer ticker.Stop()

			logger.Info("replica monitoring started", "replica", st.cfg.Name, "interval", m.interval)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.probe(ctx, st)
				}
			}
		}(st)
	}
}

// Stop cancels all probe loops and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// CheckAll runs one synchronous probe round over every replica.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	states := make([]*state, 0, len(m.replicas))
	for _, st := range m.replicas {
		states = append(states, st)
	}
	m.mu.RUnlock()

	for _, st := range states {
		m.probe(ctx, st)
	}
}

func (m *Monitor) probe(ctx context.Context, st *state) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	lag, err := st.prober.Probe(probeCtx)
	cancel()

	st.mu.Lock()
	prev := st.status
	st.lastCheck = time.Now()

	if err != nil {
		st.consecFails++
		st.lastError = err
		metrics.ReplicaProbeFailuresTotal.WithLabelValues(st.cfg.Name).Inc()
		if st.consecFails >= m.failThreshold && st.status != StatusFailed {
			st.status = StatusFailed
			logger.Error("replica failed health checks",
				"replica", st.cfg.Name, "consecutive_failures", st.consecFails, "error", err)
		}
	} else {
		st.lag = lag
		st.lastError = nil
		st.consecFails = 0
		metrics.ReplicaLagSeconds.WithLabelValues(st.cfg.Name).Set(lag.Seconds())

		switch {
		case st.status == StatusFailed:
			// Recovery requires a successful probe with lag within tolerance.
			if lag <= st.cfg.MaxLag {
				st.status = StatusActive
				st.consecOverCeiling = 0
				logger.Info("replica recovered", "replica", st.cfg.Name, "lag", lag)
			}
		case lag > st.cfg.HardLagCeiling:
			st.consecOverCeiling++
			if st.consecOverCeiling >= m.failThreshold {
				st.status = StatusFailed
				logger.Error("replica lag exceeded hard ceiling",
					"replica", st.cfg.Name, "lag", lag, "ceiling", st.cfg.HardLagCeiling)
			} else {
				st.status = StatusSyncing
			}
		case lag > st.cfg.MaxLag:
			st.consecOverCeiling = 0
			st.status = StatusSyncing
		default:
			st.consecOverCeiling = 0
			st.status = StatusActive
		}
	}

	current := st.status
	st.mu.Unlock()

	metrics.ReplicaStatus.WithLabelValues(st.cfg.Name).Set(statusValue(current))

	if prev != current {
		logger.Info("replica status changed", "replica", st.cfg.Name, "from", prev, "to", current)
	}
	if current == StatusFailed && prev != StatusFailed {
		metrics.ReplicaFailoversTotal.WithLabelValues(st.cfg.Name).Inc()
		m.fire(m.failoverCallbacks(), st.cfg.Name)
	}
	if current == StatusActive && prev == StatusFailed {
		m.fire(m.recoveryCallbacks(), st.cfg.Name)
	}
}

func statusValue(s Status) float64 {
	switch s {
	case StatusActive:
		return 2
	case StatusSyncing:
		return 1
	default:
		return 0
	}
}

func (m *Monitor) failoverCallbacks() []func(string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]func(string), len(m.onFailover))
	copy(out, m.onFailover)
	return out
}

func (m *Monitor) recoveryCallbacks() []func(string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]func(string), len(m.onRecovery))
	copy(out, m.onRecovery)
	return out
}

func (m *Monitor) fire(callbacks []func(string), name string) {
	for _, cb := range callbacks {
		cb(name)
	}
}

// Status returns the current status and lag of a replica.
func (m *Monitor) Status(name string) (Status, time.Duration, bool) {
	m.mu.RLock()
	st, ok := m.replicas[name]
	m.mu.RUnlock()
	if !ok {
		return "", 0, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.status, st.lag, true
}

// ReplicaActive implements router.HealthView.
func (m *Monitor) ReplicaActive(name string) (time.Duration, bool) {
	status, lag, ok := m.Status(name)
	return lag, ok && status == StatusActive
}

// ActiveReplicas implements router.HealthView, sorted by weight descending.
func (m *Monitor) ActiveReplicas() []router.ReplicaInfo {
	m.mu.RLock()
	states := make([]*state, 0, len(m.replicas))
	for _, st := range m.replicas {
		states = append(states, st)
	}
	m.mu.RUnlock()

	var out []router.ReplicaInfo
	for _, st := range states {
		st.mu.RLock()
		if st.status == StatusActive {
			out = append(out, router.ReplicaInfo{
				Name:   st.cfg.Name,
				Lag:    st.lag,
				Weight: st.cfg.Weight,
			})
		}
		st.mu.RUnlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Weight > out[j].Weight
	})
	return out
}

// Snapshots returns a health view of all replicas, sorted by name.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	states := make([]*state, 0, len(m.replicas))
	for _, st := range m.replicas {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		snap := Snapshot{
			Name:      st.cfg.Name,
			Status:    st.status,
			Lag:       st.lag,
			LastCheck: st.lastCheck,
			Weight:    st.cfg.Weight,
		}
		if st.lastError != nil {
			snap.LastError = st.lastError.Error()
		}
		st.mu.RUnlock()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
