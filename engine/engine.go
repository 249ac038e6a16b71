// Package engine is the entry point that ties routing, caching, pools and
// invalidation together behind Execute / Invalidate / HealthSnapshot.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pgplane/pgplane/cache"
	"github.com/pgplane/pgplane/config"
	"github.com/pgplane/pgplane/consts"
	"github.com/pgplane/pgplane/invalidation"
	"github.com/pgplane/pgplane/logger"
	"github.com/pgplane/pgplane/pkg/circuitbreaker"
	"github.com/pgplane/pgplane/pkg/metrics"
	"github.com/pgplane/pgplane/pool"
	"github.com/pgplane/pgplane/replica"
	"github.com/pgplane/pgplane/router"
)

// Result is the materialized result set of a query, encoded to JSON for
// cache storage.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Encode serializes the result for cache storage.
func (r *Result) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResult deserializes a cached payload.
func DecodeResult(payload []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Runner executes a routed query. Production uses PgxRunner; tests inject
// fakes.
type Runner interface {
	Run(ctx context.Context, target router.Target, sql string, params []any) (*Result, error)
}

// Options bundles engine timeouts.
type Options struct {
	// SingleflightGrace bounds how long a cache-miss waiter follows the
	// in-flight leader before executing directly itself.
	SingleflightGrace time.Duration
}

// Engine combines the router, cache store, pool registry and invalidation
// dispatcher into the caller-facing surface.
type Engine struct {
	store      *cache.Store
	router     *router.Router
	registry   *pool.Registry
	monitor    *replica.Monitor
	dispatcher *invalidation.Dispatcher
	runner     Runner
	grace      time.Duration

	sf singleflight.Group

	breakerMu sync.Mutex
	breakers  map[string]*circuitbreaker.Breaker
}

// New assembles an engine.
func New(store *cache.Store, rt *router.Router, registry *pool.Registry, monitor *replica.Monitor, dispatcher *invalidation.Dispatcher, runner Runner, opts Options) *Engine {
	grace := opts.SingleflightGrace
	if grace <= 0 {
		grace = 60 * time.Second
	}
	return &Engine{
		store:      store,
		router:     rt,
		registry:   registry,
		monitor:    monitor,
		dispatcher: dispatcher,
		runner:     runner,
		grace:      grace,
		breakers:   make(map[string]*circuitbreaker.Breaker),
	}
}

// Execute routes and runs a query, serving cacheable reads from the cache
// store. Writes always bypass the cache, go to primary and emit their
// invalidation events after the commit returns.
func (e *Engine) Execute(ctx context.Context, q router.Query, c router.Consistency) (*Result, error) {
	if q.Op.IsWrite() {
		target := e.router.Route(q, c)
		res, err := e.run(ctx, target, q)
		if err != nil {
			return nil, err
		}
		// The write is durable at this point; invalidation follows it.
		now := time.Now()
		for _, table := range q.Tables {
			if derr := e.dispatcher.OnWrite(ctx, table, q.Tenant, now); derr != nil {
				logger.Error("post-write invalidation failed", "table", table, "error", derr)
			}
		}
		return res, nil
	}

	// Strict consistency callers skip both replicas and the cache.
	if c.RequirePrimary {
		return e.run(ctx, e.router.Route(q, c), q)
	}

	cfg := e.store.MatchConfig(q.SQL)
	if cfg == nil {
		return e.run(ctx, e.router.Route(q, c), q)
	}

	if payload, ok := e.store.Get(cfg.Name, q.SQL, q.Params, q.Tenant); ok {
		res, err := DecodeResult(payload)
		if err == nil {
			return res, nil
		}
		// Should be unreachable given checksum verification; execute fresh.
		logger.Warn("cached payload failed to decode", "cache", cfg.Name, "error", err)
	}

	// Singleflight: one execution per key, everyone else waits for it,
	// bounded by the grace period. The flight runs on a detached context so
	// the first caller cancelling cannot poison the shared result; the
	// per-query deadline still bounds the execution.
	key := cfg.Name + "/" + strconv.FormatUint(e.store.Key(cfg.Name, q.SQL, q.Params, q.Tenant), 16)
	flightCtx := context.WithoutCancel(ctx)
	ch := e.sf.DoChan(key, func() (any, error) {
		return e.executeAndFill(flightCtx, cfg, q, c)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			metrics.CacheSharedFetchesTotal.Inc()
		}
		return res.Val.(*Result), nil
	case <-time.After(e.grace):
		// The leader exceeded its grace period; duplicate work beats
		// unbounded queuing.
		logger.Warn("singleflight leader exceeded grace, executing directly", "cache", cfg.Name)
		return e.executeAndFill(ctx, cfg, q, c)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// executeAndFill runs the query against its routed target and writes the
// result back into the cache.
func (e *Engine) executeAndFill(ctx context.Context, cfg *cache.Configuration, q router.Query, c router.Consistency) (*Result, error) {
	target := e.router.Route(q, c)
	res, err := e.run(ctx, target, q)
	if err != nil {
		return nil, err
	}

	payload, err := res.Encode()
	if err != nil {
		// The caller still gets their result; the cache just stays cold.
		logger.Warn("result encoding failed, skipping cache fill", "cache", cfg.Name, "error", err)
		return res, nil
	}
	e.store.Put(cfg.Name, q.SQL, q.Params, q.Tenant, payload, e.store.Versions(cfg.Tables))
	return res, nil
}

// run executes against the target, guarding replica targets with a circuit
// breaker and falling back to primary when the replica is unavailable.
func (e *Engine) run(ctx context.Context, target router.Target, q router.Query) (*Result, error) {
	if target.Source != router.SourceReplica {
		return e.runner.Run(ctx, target, q.SQL, q.Params)
	}

	br := e.breakerFor(target.Replica)
	done, err := br.Allow()
	if err != nil {
		metrics.RoutingFallbacksTotal.WithLabelValues("breaker_open").Inc()
		logger.Warn("replica breaker open, degrading to primary", "replica", target.Replica)
		return e.runner.Run(ctx, router.Target{Pool: target.Pool, Source: router.SourcePrimary}, q.SQL, q.Params)
	}

	res, err := e.runner.Run(ctx, target, q.SQL, q.Params)
	done(err == nil)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, consts.ErrQueryTimeout) {
		return nil, err
	}

	// ReplicaUnavailable is recovered locally, never surfaced.
	metrics.RoutingFallbacksTotal.WithLabelValues("replica_error").Inc()
	logger.Warn("replica execution failed, retrying on primary",
		"replica", target.Replica, "error", err)
	return e.runner.Run(ctx, router.Target{Pool: target.Pool, Source: router.SourcePrimary}, q.SQL, q.Params)
}

func (e *Engine) breakerFor(name string) *circuitbreaker.Breaker {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	br, ok := e.breakers[name]
	if !ok {
		br = circuitbreaker.New(circuitbreaker.Settings{
			Name:        "replica-" + name,
			MaxRequests: 3,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(n string, from, to circuitbreaker.State) {
				logger.Warn("replica breaker state changed", "breaker", n, "from", from.String(), "to", to.String())
			},
		})
		e.breakers[name] = br
	}
	return br
}

// Invalidate is the explicit hook for write paths outside this layer.
func (e *Engine) Invalidate(ctx context.Context, table, tenant string) error {
	return e.dispatcher.OnWrite(ctx, table, tenant, time.Now())
}

// RefreshEntry re-executes a cached query and replaces its entry. Wired
// into the cache warmer.
func (e *Engine) RefreshEntry(ctx context.Context, cacheName, query string, params []any, tenant string) error {
	cfg, ok := e.store.ConfigFor(cacheName)
	if !ok {
		return fmt.Errorf("%w: %q", consts.ErrCacheNotFound, cacheName)
	}
	q := router.Query{
		SQL:    query,
		Params: params,
		Tables: cfg.Tables,
		Op:     router.OpSelect,
		Tenant: tenant,
	}
	_, err := e.executeAndFill(ctx, cfg, q, router.Consistency{})
	return err
}

// ReloadRules validates and swaps the routing rule table without touching
// in-flight connections.
func (e *Engine) ReloadRules(rules []config.RoutingRule) error {
	for i := range rules {
		if err := config.ValidateRule(&rules[i], nil, nil); err != nil {
			return err
		}
	}
	compiled, err := router.CompileRules(rules)
	if err != nil {
		return err
	}
	e.router.Reload(compiled)
	return nil
}

// Snapshot is the externally visible health view.
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Pools     map[string]pool.Stats  `json:"pools"`
	Replicas  []replica.Snapshot     `json:"replicas"`
	Caches    map[string]cache.Stats `json:"caches"`
}

// HealthSnapshot returns the current state of pools, replicas and caches.
func (e *Engine) HealthSnapshot() Snapshot {
	snap := Snapshot{
		Timestamp: time.Now(),
		Pools:     e.registry.StatsAll(),
		Caches:    e.store.Stats(),
	}
	if e.monitor != nil {
		snap.Replicas = e.monitor.Snapshots()
	}
	return snap
}
