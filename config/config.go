package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pgplane/pgplane/consts"
)

// Config is the full pgplane configuration, loaded once at startup from TOML.
// Routing rules may additionally be hot-reloaded at runtime; everything else
// is immutable after Validate() passes.
type Config struct {
	Logging  LoggingConfig   `toml:"logging"`
	Database DatabaseConfig  `toml:"database"`
	Caches   []CacheConfig   `toml:"cache"`
	Pools    []PoolConfig    `toml:"pool"`
	Replicas []ReplicaConfig `toml:"replica"`
	Rules    []RoutingRule   `toml:"routing_rule"`
	HTTPAPI  HTTPAPIConfig   `toml:"http_api"`
	Tuning   TuningConfig    `toml:"tuning"`
}

// LoggingConfig controls the structured logger output.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// EndpointConfig describes a single database server.
type EndpointConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"` // default 5432
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	TLSMode  bool   `toml:"tls"`
}

// Addr returns the host:port pair for the endpoint.
func (e *EndpointConfig) Addr() string {
	port := e.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("%s:%d", e.Host, port)
}

// ConnString builds a pgx connection string for the endpoint.
func (e *EndpointConfig) ConnString() string {
	sslMode := "disable"
	if e.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		e.User, e.Password, e.Addr(), e.Name, sslMode)
}

// DatabaseConfig holds the primary endpoint and cluster-wide timeouts.
type DatabaseConfig struct {
	Primary           EndpointConfig `toml:"primary"`
	LogQueries        bool           `toml:"log_queries"`
	QueryTimeout      string         `toml:"query_timeout"`      // default "30s"
	ConnectionTimeout string         `toml:"connection_timeout"` // default "5s"
	SingleflightGrace string         `toml:"singleflight_grace"` // default 2x query timeout
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(d.QueryTimeout)
}

func (d *DatabaseConfig) GetConnectionTimeout() (time.Duration, error) {
	if d.ConnectionTimeout == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(d.ConnectionTimeout)
}

// GetSingleflightGrace returns how long a cache-miss waiter follows the
// in-flight leader before falling back to a direct execution.
func (d *DatabaseConfig) GetSingleflightGrace() (time.Duration, error) {
	if d.SingleflightGrace == "" {
		qt, err := d.GetQueryTimeout()
		if err != nil {
			return 0, err
		}
		return 2 * qt, nil
	}
	return time.ParseDuration(d.SingleflightGrace)
}

// CacheConfig describes one named result cache.
type CacheConfig struct {
	Name             string   `toml:"name"`
	Tables           []string `toml:"tables"`         // dependency table set
	QueryPatterns    []string `toml:"query_patterns"` // regex; queries matching any pattern use this cache
	DefaultTTL       string   `toml:"default_ttl"`    // default "5m"
	MinTTL           string   `toml:"min_ttl"`        // adaptive tuning floor, default "60s"
	MaxTTL           string   `toml:"max_ttl"`        // hard ceiling, default "1h"
	MaxEntries       int      `toml:"max_entries"`    // default 10000
	MaxBytes         int64    `toml:"max_bytes"`      // 0 = unbounded
	Strategy         string   `toml:"strategy"`       // ttl_only | write_through | dependency_based | manual
	Warming          bool     `toml:"warming"`
	RefreshThreshold float64  `toml:"refresh_threshold_percentage"` // warm when remaining TTL drops below this fraction, default 0.2
	PerTenant        bool     `toml:"per_tenant"`
}

func (c *CacheConfig) GetDefaultTTL() (time.Duration, error) {
	if c.DefaultTTL == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.DefaultTTL)
}

func (c *CacheConfig) GetMinTTL() (time.Duration, error) {
	if c.MinTTL == "" {
		return 60 * time.Second, nil
	}
	return time.ParseDuration(c.MinTTL)
}

func (c *CacheConfig) GetMaxTTL() (time.Duration, error) {
	if c.MaxTTL == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(c.MaxTTL)
}

// PoolConfig describes one workload-scoped connection pool.
type PoolConfig struct {
	Name              string  `toml:"name"`
	Workload          string  `toml:"workload"` // realtime | api | analytics | jobs | admin
	MinConnections    int32   `toml:"min_connections"`
	MaxConnections    int32   `toml:"max_connections"`
	HardCap           int32   `toml:"hard_cap"` // autoscale ceiling, default 100
	IdleTimeout       string  `toml:"idle_timeout"`
	ConnectionTimeout string  `toml:"connection_timeout"` // acquire wait bound, default database.connection_timeout
	QueryTimeout      string  `toml:"query_timeout"`      // default database.query_timeout
	WarnUtilization   float64 `toml:"warning_threshold"`  // default 0.75
	CritUtilization   float64 `toml:"critical_threshold"` // default 0.90
}

func (p *PoolConfig) GetHardCap() int32 {
	if p.HardCap <= 0 {
		return 100
	}
	return p.HardCap
}

func (p *PoolConfig) GetIdleTimeout() (time.Duration, error) {
	if p.IdleTimeout == "" {
		return 30 * time.Minute, nil
	}
	return time.ParseDuration(p.IdleTimeout)
}

func (p *PoolConfig) GetConnectionTimeout(fallback time.Duration) (time.Duration, error) {
	if p.ConnectionTimeout == "" {
		return fallback, nil
	}
	return time.ParseDuration(p.ConnectionTimeout)
}

func (p *PoolConfig) GetQueryTimeout(fallback time.Duration) (time.Duration, error) {
	if p.QueryTimeout == "" {
		return fallback, nil
	}
	return time.ParseDuration(p.QueryTimeout)
}

// ReplicaConfig describes one read replica.
type ReplicaConfig struct {
	Name            string         `toml:"name"`
	Endpoint        EndpointConfig `toml:"endpoint"`
	MaxLag          string         `toml:"max_lag"`          // acceptable lag, default "10s"
	HardLagCeiling  string         `toml:"hard_lag_ceiling"` // lag above this for N checks fails the replica, default "60s"
	ReadWeight      int            `toml:"read_weight"`      // higher wins in failover ranking
	PreferAnalytics bool           `toml:"prefer_analytics"`
}

func (r *ReplicaConfig) GetMaxLag() (time.Duration, error) {
	if r.MaxLag == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(r.MaxLag)
}

func (r *ReplicaConfig) GetHardLagCeiling() (time.Duration, error) {
	if r.HardLagCeiling == "" {
		return 60 * time.Second, nil
	}
	return time.ParseDuration(r.HardLagCeiling)
}

// RoutingRule matches a query shape to a target pool and connection source.
// Rules are evaluated in ascending priority order; the first match wins.
type RoutingRule struct {
	Priority        int      `toml:"priority"`
	QueryPattern    string   `toml:"query_pattern"` // regex, empty matches any
	Tables          []string `toml:"tables"`        // non-empty: query must touch one of these
	Operations      []string `toml:"operations"`    // select | insert | update | delete; empty matches any
	Roles           []string `toml:"roles"`         // caller roles; empty matches any
	TargetType      string   `toml:"target_type"`   // primary | replica | specific_replica
	TargetReplica   string   `toml:"target_replica"`
	Pool            string   `toml:"pool"`
	MaxLagTolerance string   `toml:"max_lag_tolerance"` // default replica max_lag
}

func (r *RoutingRule) GetMaxLagTolerance() (time.Duration, error) {
	if r.MaxLagTolerance == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(r.MaxLagTolerance)
}

// HTTPAPIConfig configures the admin HTTP endpoint.
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"` // default ":9090"
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
}

// TuningConfig holds intervals for the background maintenance loops.
type TuningConfig struct {
	HealthCheckInterval  string `toml:"health_check_interval"`  // default "10s"
	FailureThreshold     int    `toml:"failure_threshold"`      // consecutive probe failures before failed, default 3
	AutoscaleInterval    string `toml:"autoscale_interval"`     // default "30s"
	AdaptiveTTLInterval  string `toml:"adaptive_ttl_interval"`  // default "1m"
	WarmInterval         string `toml:"warm_interval"`          // default "30s"
	CacheCleanupInterval string `toml:"cache_cleanup_interval"` // default "1m"
	InvalidationRetries  int    `toml:"invalidation_retries"`   // default 3
}

func (t *TuningConfig) GetHealthCheckInterval() (time.Duration, error) {
	if t.HealthCheckInterval == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(t.HealthCheckInterval)
}

func (t *TuningConfig) GetFailureThreshold() int {
	if t.FailureThreshold <= 0 {
		return 3
	}
	return t.FailureThreshold
}

func (t *TuningConfig) GetAutoscaleInterval() (time.Duration, error) {
	if t.AutoscaleInterval == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(t.AutoscaleInterval)
}

func (t *TuningConfig) GetAdaptiveTTLInterval() (time.Duration, error) {
	if t.AdaptiveTTLInterval == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(t.AdaptiveTTLInterval)
}

func (t *TuningConfig) GetWarmInterval() (time.Duration, error) {
	if t.WarmInterval == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(t.WarmInterval)
}

func (t *TuningConfig) GetCacheCleanupInterval() (time.Duration, error) {
	if t.CacheCleanupInterval == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(t.CacheCleanupInterval)
}

func (t *TuningConfig) GetInvalidationRetries() int {
	if t.InvalidationRetries <= 0 {
		return 3
	}
	return t.InvalidationRetries
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validStrategies = map[string]bool{
	"ttl_only":         true,
	"write_through":    true,
	"dependency_based": true,
	"manual":           true,
}

var validWorkloads = map[string]bool{
	"realtime":  true,
	"api":       true,
	"analytics": true,
	"jobs":      true,
	"admin":     true,
}

var writeOperations = map[string]bool{
	"insert": true,
	"update": true,
	"delete": true,
}

// Validate checks the full configuration and fails fast on the first
// inconsistency. Running with undefined routing is worse than not starting.
func (c *Config) Validate() error {
	if c.Database.Primary.Host == "" {
		return fmt.Errorf("%w: database.primary.host is required", consts.ErrConfigInvalid)
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("%w: database.query_timeout: %v", consts.ErrConfigInvalid, err)
	}
	if _, err := c.Database.GetConnectionTimeout(); err != nil {
		return fmt.Errorf("%w: database.connection_timeout: %v", consts.ErrConfigInvalid, err)
	}

	cacheNames := make(map[string]bool)
	for i := range c.Caches {
		cc := &c.Caches[i]
		if cc.Name == "" {
			return fmt.Errorf("%w: cache[%d]: name is required", consts.ErrConfigInvalid, i)
		}
		if cacheNames[cc.Name] {
			return fmt.Errorf("%w: duplicate cache name %q", consts.ErrConfigInvalid, cc.Name)
		}
		cacheNames[cc.Name] = true
		if cc.Strategy == "" {
			cc.Strategy = "ttl_only"
		}
		if !validStrategies[cc.Strategy] {
			return fmt.Errorf("%w: cache %q: unknown strategy %q", consts.ErrConfigInvalid, cc.Name, cc.Strategy)
		}
		if cc.Strategy != "ttl_only" && cc.Strategy != "manual" && len(cc.Tables) == 0 {
			return fmt.Errorf("%w: cache %q: strategy %s requires a dependency table set", consts.ErrConfigInvalid, cc.Name, cc.Strategy)
		}
		defTTL, err := cc.GetDefaultTTL()
		if err != nil {
			return fmt.Errorf("%w: cache %q: default_ttl: %v", consts.ErrConfigInvalid, cc.Name, err)
		}
		minTTL, err := cc.GetMinTTL()
		if err != nil {
			return fmt.Errorf("%w: cache %q: min_ttl: %v", consts.ErrConfigInvalid, cc.Name, err)
		}
		maxTTL, err := cc.GetMaxTTL()
		if err != nil {
			return fmt.Errorf("%w: cache %q: max_ttl: %v", consts.ErrConfigInvalid, cc.Name, err)
		}
		if minTTL > maxTTL {
			return fmt.Errorf("%w: cache %q: min_ttl %s exceeds max_ttl %s", consts.ErrConfigInvalid, cc.Name, minTTL, maxTTL)
		}
		if defTTL > maxTTL {
			return fmt.Errorf("%w: cache %q: default_ttl %s exceeds max_ttl %s", consts.ErrConfigInvalid, cc.Name, defTTL, maxTTL)
		}
		if cc.RefreshThreshold < 0 || cc.RefreshThreshold >= 1 {
			return fmt.Errorf("%w: cache %q: refresh_threshold_percentage must be in [0,1)", consts.ErrConfigInvalid, cc.Name)
		}
		for _, p := range cc.QueryPatterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("%w: cache %q: query pattern %q: %v", consts.ErrConfigInvalid, cc.Name, p, err)
			}
		}
	}

	poolNames := make(map[string]bool)
	for i := range c.Pools {
		pc := &c.Pools[i]
		if pc.Name == "" {
			return fmt.Errorf("%w: pool[%d]: name is required", consts.ErrConfigInvalid, i)
		}
		if poolNames[pc.Name] {
			return fmt.Errorf("%w: duplicate pool name %q", consts.ErrConfigInvalid, pc.Name)
		}
		poolNames[pc.Name] = true
		if !validWorkloads[pc.Workload] {
			return fmt.Errorf("%w: pool %q: unknown workload %q", consts.ErrConfigInvalid, pc.Name, pc.Workload)
		}
		if pc.MinConnections <= 0 || pc.MaxConnections < pc.MinConnections {
			return fmt.Errorf("%w: pool %q: need 0 < min_connections <= max_connections", consts.ErrConfigInvalid, pc.Name)
		}
		if pc.MaxConnections > pc.GetHardCap() {
			return fmt.Errorf("%w: pool %q: max_connections %d exceeds hard_cap %d", consts.ErrConfigInvalid, pc.Name, pc.MaxConnections, pc.GetHardCap())
		}
	}

	replicaNames := make(map[string]bool)
	for i := range c.Replicas {
		rc := &c.Replicas[i]
		if rc.Name == "" {
			return fmt.Errorf("%w: replica[%d]: name is required", consts.ErrConfigInvalid, i)
		}
		if replicaNames[rc.Name] {
			return fmt.Errorf("%w: duplicate replica name %q", consts.ErrConfigInvalid, rc.Name)
		}
		replicaNames[rc.Name] = true
		if rc.Endpoint.Host == "" {
			return fmt.Errorf("%w: replica %q: endpoint.host is required", consts.ErrConfigInvalid, rc.Name)
		}
		maxLag, err := rc.GetMaxLag()
		if err != nil {
			return fmt.Errorf("%w: replica %q: max_lag: %v", consts.ErrConfigInvalid, rc.Name, err)
		}
		ceiling, err := rc.GetHardLagCeiling()
		if err != nil {
			return fmt.Errorf("%w: replica %q: hard_lag_ceiling: %v", consts.ErrConfigInvalid, rc.Name, err)
		}
		if ceiling < maxLag {
			return fmt.Errorf("%w: replica %q: hard_lag_ceiling %s below max_lag %s", consts.ErrConfigInvalid, rc.Name, ceiling, maxLag)
		}
	}

	for i := range c.Rules {
		if err := ValidateRule(&c.Rules[i], poolNames, replicaNames); err != nil {
			return err
		}
	}

	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("%w: http_api.api_key is required when http_api.start is set", consts.ErrConfigInvalid)
	}

	return nil
}

// ValidateRule checks a single routing rule against the known pool and
// replica names. It is also used on hot reload, where poolNames and
// replicaNames come from the running registry.
func ValidateRule(r *RoutingRule, poolNames, replicaNames map[string]bool) error {
	switch r.TargetType {
	case "primary", "replica":
	case "specific_replica":
		if r.TargetReplica == "" {
			return fmt.Errorf("%w: routing rule priority %d: specific_replica requires target_replica", consts.ErrConfigInvalid, r.Priority)
		}
	default:
		return fmt.Errorf("%w: routing rule priority %d: unknown target_type %q", consts.ErrConfigInvalid, r.Priority, r.TargetType)
	}
	if r.TargetReplica != "" && len(replicaNames) > 0 && !replicaNames[r.TargetReplica] {
		return fmt.Errorf("%w: routing rule priority %d: unknown replica %q", consts.ErrConfigInvalid, r.Priority, r.TargetReplica)
	}
	if r.Pool != "" && len(poolNames) > 0 && !poolNames[r.Pool] {
		return fmt.Errorf("%w: routing rule priority %d: unknown pool %q", consts.ErrConfigInvalid, r.Priority, r.Pool)
	}
	if r.QueryPattern != "" {
		if _, err := regexp.Compile(r.QueryPattern); err != nil {
			return fmt.Errorf("%w: routing rule priority %d: query_pattern: %v", consts.ErrConfigInvalid, r.Priority, err)
		}
	}
	// Writes must always resolve to primary; a rule that explicitly routes
	// them to a replica is a configuration bug, not something to silently fix.
	if r.TargetType != "primary" {
		for _, op := range r.Operations {
			if writeOperations[op] {
				return fmt.Errorf("%w: routing rule priority %d: write operation %q cannot target %s", consts.ErrConfigInvalid, r.Priority, op, r.TargetType)
			}
		}
	}
	if _, err := r.GetMaxLagTolerance(); err != nil {
		return fmt.Errorf("%w: routing rule priority %d: max_lag_tolerance: %v", consts.ErrConfigInvalid, r.Priority, err)
	}
	return nil
}
