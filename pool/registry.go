// Package pool holds the named, workload-scoped connection pools and their
// autoscaler. Each workload category gets an independent limit, so a
// saturated analytics pool cannot starve real-time operations.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgplane/pgplane/config"
	"github.com/pgplane/pgplane/consts"
	"github.com/pgplane/pgplane/logger"
	"github.com/pgplane/pgplane/pkg/metrics"
)

// Pool is one workload-scoped pool. Its limit is mutated only by the
// autoscaler, bounded by the hard cap.
type Pool struct {
	Name     string
	Workload string

	minConns     int32
	hardCap      int32
	connTimeout  time.Duration
	queryTimeout time.Duration
	warnUtil     float64
	critUtil     float64

	limiter *limiter

	// autoscaler-owned
	lowUtilStreak int
}

// Stats is the live view of one pool, owned by the registry and read by
// the metrics collector and autoscaler.
type Stats struct {
	Active      int32   `json:"active"`
	Idle        int32   `json:"idle"`
	Waiting     int32   `json:"waiting"`
	Max         int32   `json:"max_connections"`
	Min         int32   `json:"min_connections"`
	Utilization float64 `json:"utilization"`
}

// Conn is a scoped connection handle. Release must be called exactly once;
// calling it again is a no-op.
type Conn struct {
	pool *Pool
	pgc  *pgxpool.Conn
	once sync.Once
}

// Pgx returns the underlying pgx connection, nil when the registry has no
// endpoint attached (unit tests).
func (c *Conn) Pgx() *pgxpool.Conn {
	return c.pgc
}

// QueryTimeout returns the pool's per-query deadline.
func (c *Conn) QueryTimeout() time.Duration {
	return c.pool.queryTimeout
}

// Release returns the connection to its pools.
func (c *Conn) Release() {
	c.once.Do(func() {
		if c.pgc != nil {
			c.pgc.Release()
		}
		c.pool.limiter.release()
		active, waiting, _ := c.pool.limiter.stats()
		metrics.PoolActiveConns.WithLabelValues(c.pool.Name).Set(float64(active))
		metrics.PoolWaiting.WithLabelValues(c.pool.Name).Set(float64(waiting))
	})
}

// Registry holds the named workload pools plus the database endpoint pools
// (primary and one per replica) that connections are drawn from.
type Registry struct {
	pools map[string]*Pool
	order []string

	mu        sync.RWMutex
	endpoints map[string]*pgxpool.Pool
}

// NewRegistry builds workload pools from validated configuration.
func NewRegistry(cfgs []config.PoolConfig, defaultConnTimeout, defaultQueryTimeout time.Duration) (*Registry, error) {
	r := &Registry{
		pools:     make(map[string]*Pool),
		endpoints: make(map[string]*pgxpool.Pool),
	}

	for i := range cfgs {
		pc := &cfgs[i]
		connTimeout, err := pc.GetConnectionTimeout(defaultConnTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: pool %q: %v", consts.ErrConfigInvalid, pc.Name, err)
		}
		queryTimeout, err := pc.GetQueryTimeout(defaultQueryTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: pool %q: %v", consts.ErrConfigInvalid, pc.Name, err)
		}

		p := &Pool{
			Name:         pc.Name,
			Workload:     pc.Workload,
			minConns:     pc.MinConnections,
			hardCap:      pc.GetHardCap(),
			connTimeout:  connTimeout,
			queryTimeout: queryTimeout,
			warnUtil:     pc.WarnUtilization,
			critUtil:     pc.CritUtilization,
			limiter:      newLimiter(pc.MaxConnections),
		}
		if p.warnUtil <= 0 {
			p.warnUtil = 0.75
		}
		if p.critUtil <= 0 {
			p.critUtil = 0.90
		}
		r.pools[pc.Name] = p
		r.order = append(r.order, pc.Name)
		metrics.PoolMaxConns.WithLabelValues(pc.Name).Set(float64(pc.MaxConnections))
	}

	return r, nil
}

// EndpointBounds sizes a database endpoint pool backing these workload
// pools: the minimum keeps the summed min_connections warm while idle, the
// maximum is the summed hard caps so the limiters, not pgx, are the
// effective bound.
func EndpointBounds(cfgs []config.PoolConfig) (minConns, maxConns int32) {
	for i := range cfgs {
		minConns += cfgs[i].MinConnections
		maxConns += cfgs[i].GetHardCap()
	}
	return minConns, maxConns
}

// AttachEndpoint registers a database endpoint pool under a source name
// ("primary" or a replica name).
func (r *Registry) AttachEndpoint(name string, pg *pgxpool.Pool) {
	r.mu.Lock()
	r.endpoints[name] = pg
	r.mu.Unlock()
}

// Endpoint returns the pgx pool for a source name.
func (r *Registry) Endpoint(name string) (*pgxpool.Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pg, ok := r.endpoints[name]
	return pg, ok
}

// Acquire draws a connection slot from the named workload pool and a
// database connection from the given endpoint. It blocks up to the pool's
// connection timeout, then fails with ErrPoolExhausted.
func (r *Registry) Acquire(ctx context.Context, poolName, endpoint string) (*Conn, error) {
	p, ok := r.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", consts.ErrPoolNotFound, poolName)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.connTimeout)
	defer cancel()

	if err := p.limiter.acquire(acquireCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			metrics.PoolExhaustedTotal.WithLabelValues(poolName).Inc()
			return nil, fmt.Errorf("pool %q: %w", poolName, consts.ErrPoolExhausted)
		}
		return nil, err
	}

	active, waiting, _ := p.limiter.stats()
	metrics.PoolActiveConns.WithLabelValues(poolName).Set(float64(active))
	metrics.PoolWaiting.WithLabelValues(poolName).Set(float64(waiting))

	var pgc *pgxpool.Conn
	if pg, ok := r.Endpoint(endpoint); ok && pg != nil {
		var err error
		pgc, err = pg.Acquire(acquireCtx)
		if err != nil {
			p.limiter.release()
			return nil, fmt.Errorf("endpoint %q: %w", endpoint, err)
		}
	}

	return &Conn{pool: p, pgc: pgc}, nil
}

// Stats returns the live view of one pool.
func (r *Registry) Stats(poolName string) (Stats, bool) {
	p, ok := r.pools[poolName]
	if !ok {
		return Stats{}, false
	}
	active, waiting, max := p.limiter.stats()
	var util float64
	if max > 0 {
		util = float64(active) / float64(max)
	}
	return Stats{
		Active:      active,
		Idle:        max - active,
		Waiting:     waiting,
		Max:         max,
		Min:         p.minConns,
		Utilization: util,
	}, true
}

// StatsAll returns stats for all pools.
func (r *Registry) StatsAll() map[string]Stats {
	out := make(map[string]Stats, len(r.pools))
	for name := range r.pools {
		s, _ := r.Stats(name)
		out[name] = s
	}
	return out
}

// Names returns all pool names in registration order.
func (r *Registry) Names() []string {
	return r.order
}

// StartStatsCollection periodically refreshes pool gauges, including pgx
// endpoint stats.
func (r *Registry) StartStatsCollection(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.collectStats()
			}
		}
	}()
}

func (r *Registry) collectStats() {
	for name, p := range r.pools {
		active, waiting, max := p.limiter.stats()
		metrics.PoolActiveConns.WithLabelValues(name).Set(float64(active))
		metrics.PoolWaiting.WithLabelValues(name).Set(float64(waiting))
		metrics.PoolMaxConns.WithLabelValues(name).Set(float64(max))

		if max > 0 {
			util := float64(active) / float64(max)
			if util >= p.critUtil {
				logger.Warn("pool utilization critical", "pool", name, "utilization", util)
			}
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, pg := range r.endpoints {
		if pg == nil {
			continue
		}
		stat := pg.Stat()
		metrics.DBPoolTotalConns.WithLabelValues(name).Set(float64(stat.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues(name).Set(float64(stat.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues(name).Set(float64(stat.AcquiredConns()))
	}
}

// Close shuts down all endpoint pools.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pg := range r.endpoints {
		if pg != nil {
			pg.Close()
		}
	}
	r.endpoints = make(map[string]*pgxpool.Pool)
}
