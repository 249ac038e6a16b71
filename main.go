package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgplane/pgplane/cache"
	"github.com/pgplane/pgplane/config"
	"github.com/pgplane/pgplane/engine"
	"github.com/pgplane/pgplane/invalidation"
	"github.com/pgplane/pgplane/logger"
	"github.com/pgplane/pgplane/pool"
	"github.com/pgplane/pgplane/replica"
	"github.com/pgplane/pgplane/router"
	"github.com/pgplane/pgplane/server/httpapi"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fLogOutput := flag.String("logoutput", "", "Log output: 'stdout', 'stderr' or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)")
	fAPIAddr := flag.String("apiaddr", "", "Admin API listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration from '%s': %v", *configPath, err)
	}
	if *fLogOutput != "" {
		cfg.Logging.Output = *fLogOutput
	}
	if *fLogLevel != "" {
		cfg.Logging.Level = *fLogLevel
	}
	if *fAPIAddr != "" {
		cfg.HTTPAPI.Addr = *fAPIAddr
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	connTimeout, err := cfg.Database.GetConnectionTimeout()
	if err != nil {
		logger.Fatal("invalid database connection_timeout", "error", err)
	}
	queryTimeout, err := cfg.Database.GetQueryTimeout()
	if err != nil {
		logger.Fatal("invalid database query_timeout", "error", err)
	}
	sfGrace, err := cfg.Database.GetSingleflightGrace()
	if err != nil {
		logger.Fatal("invalid database singleflight_grace", "error", err)
	}

	// Workload pools. Endpoint pools below are sized at each workload's hard
	// cap; the registry's limiters enforce the live (autoscaled) limits.
	registry, err := pool.NewRegistry(cfg.Pools, connTimeout, queryTimeout)
	if err != nil {
		logger.Fatal("failed to build pool registry", "error", err)
	}
	defer registry.Close()

	// Primary is required; a missing replica only degrades read capacity.
	logger.Info("connecting to primary", "addr", cfg.Database.Primary.Addr())
	primaryPool, err := openEndpoint(ctx, &cfg.Database.Primary, cfg.Pools)
	if err != nil {
		logger.Fatal("failed to connect to primary", "addr", cfg.Database.Primary.Addr(), "error", err)
	}
	registry.AttachEndpoint("primary", primaryPool)

	healthInterval, err := cfg.Tuning.GetHealthCheckInterval()
	if err != nil {
		logger.Fatal("invalid tuning health_check_interval", "error", err)
	}
	monitor := replica.NewMonitor(healthInterval, cfg.Tuning.GetFailureThreshold())

	for i := range cfg.Replicas {
		rc := &cfg.Replicas[i]
		maxLag, err := rc.GetMaxLag()
		if err != nil {
			logger.Fatal("invalid replica max_lag", "replica", rc.Name, "error", err)
		}
		ceiling, err := rc.GetHardLagCeiling()
		if err != nil {
			logger.Fatal("invalid replica hard_lag_ceiling", "replica", rc.Name, "error", err)
		}

		replicaPool, err := openEndpoint(ctx, &rc.Endpoint, cfg.Pools)
		if err != nil {
			logger.Warn("replica unreachable at startup, monitor will keep probing",
				"replica", rc.Name, "addr", rc.Endpoint.Addr(), "error", err)
			continue
		}
		registry.AttachEndpoint(rc.Name, replicaPool)
		monitor.Register(replica.Config{
			Name:            rc.Name,
			MaxLag:          maxLag,
			HardLagCeiling:  ceiling,
			Weight:          rc.ReadWeight,
			PreferAnalytics: rc.PreferAnalytics,
		}, &replica.PgProber{Pool: replicaPool})
	}

	rules, err := router.CompileRules(cfg.Rules)
	if err != nil {
		logger.Fatal("failed to compile routing rules", "error", err)
	}
	defaultPool := ""
	if names := registry.Names(); len(names) > 0 {
		defaultPool = names[0]
	}
	rt := router.New(rules, monitor, defaultPool)

	// Failover rewires rules away from a failed replica; recovery restores
	// the configured targets.
	monitor.OnFailover(func(name string) {
		n := rt.ReassignFrom(name)
		logger.Warn("replica failed, rules reassigned", "replica", name, "rules", n)
	})
	monitor.OnRecovery(func(name string) {
		n := rt.RestoreReplica(name)
		logger.Info("replica recovered, rules restored", "replica", name, "rules", n)
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	store, err := cache.New(cfg.Caches)
	if err != nil {
		logger.Fatal("failed to build cache store", "error", err)
	}
	dispatcher := invalidation.New(store, cfg.Tuning.GetInvalidationRetries())

	eng := engine.New(store, rt, registry, monitor, dispatcher,
		engine.NewPgxRunner(registry), engine.Options{SingleflightGrace: sfGrace})

	startMaintenance(ctx, cfg, store, registry, eng)

	if cfg.HTTPAPI.Start {
		api := httpapi.New(eng, cfg.HTTPAPI)
		go func() {
			if err := api.Start(ctx); err != nil {
				logger.Error("admin API terminated", "error", err)
				cancel()
			}
		}()
	}

	logger.Info("pgplane started",
		"pools", len(cfg.Pools), "replicas", len(cfg.Replicas),
		"caches", len(cfg.Caches), "rules", len(cfg.Rules))

	<-ctx.Done()
	logger.Info("pgplane shutting down")
}

// startMaintenance launches the background loops: cache cleanup, adaptive
// TTL tuning, cache warming, pool autoscaling and stats collection.
func startMaintenance(ctx context.Context, cfg *config.Config, store *cache.Store, registry *pool.Registry, eng *engine.Engine) {
	cleanupInterval, err := cfg.Tuning.GetCacheCleanupInterval()
	if err != nil {
		logger.Fatal("invalid tuning cache_cleanup_interval", "error", err)
	}
	store.StartCleanup(ctx, cleanupInterval)

	ttlInterval, err := cfg.Tuning.GetAdaptiveTTLInterval()
	if err != nil {
		logger.Fatal("invalid tuning adaptive_ttl_interval", "error", err)
	}
	cache.NewTuner(store, ttlInterval).Start(ctx)

	warmInterval, err := cfg.Tuning.GetWarmInterval()
	if err != nil {
		logger.Fatal("invalid tuning warm_interval", "error", err)
	}
	cache.NewWarmer(store, warmInterval, eng.RefreshEntry).Start(ctx)

	autoscaleInterval, err := cfg.Tuning.GetAutoscaleInterval()
	if err != nil {
		logger.Fatal("invalid tuning autoscale_interval", "error", err)
	}
	pool.NewAutoscaler(registry, autoscaleInterval).Start(ctx)

	registry.StartStatsCollection(ctx, 15*time.Second)
}

// openEndpoint opens a pgx pool against one database endpoint. The bounds
// come from the workload pool configuration: summed minimums stay warm,
// summed hard caps cap pgx so the limiters are the effective bound.
func openEndpoint(ctx context.Context, ep *config.EndpointConfig, pools []config.PoolConfig) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(ep.ConnString())
	if err != nil {
		return nil, err
	}

	minConns, maxConns := pool.EndpointBounds(pools)
	if maxConns > 0 {
		pgCfg.MaxConns = maxConns
	}
	if minConns > 0 {
		pgCfg.MinConns = minConns
	}

	pg, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, err
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
