// Package cache implements the keyed, expiring query result store with
// per-configuration TTLs, LRU eviction, dependency-based invalidation and
// adaptive TTL tuning.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
	"lukechampine.com/blake3"

	"github.com/pgplane/pgplane/config"
	"github.com/pgplane/pgplane/consts"
	"github.com/pgplane/pgplane/logger"
	"github.com/pgplane/pgplane/pkg/metrics"
)

// Strategy controls how entries of a cache are invalidated.
type Strategy string

const (
	StrategyTTLOnly      Strategy = "ttl_only"
	StrategyWriteThrough Strategy = "write_through"
	StrategyDependency   Strategy = "dependency_based"
	StrategyManual       Strategy = "manual"
)

// Configuration is the runtime form of a cache configuration. It is built
// at startup and mutated only by the adaptive tuner (TTL adjustments).
type Configuration struct {
	Name             string
	Tables           []string
	DefaultTTL       time.Duration
	MinTTL           time.Duration
	MaxTTL           time.Duration
	MaxEntries       int
	MaxBytes         int64
	Strategy         Strategy
	Warming          bool
	RefreshThreshold float64
	PerTenant        bool

	patterns []*regexp.Regexp
}

// Entry is one cached query result. The composite key covers cache name,
// normalized query, bound parameters and tenant.
type Entry struct {
	Key           uint64
	Query         string
	Params        []any
	Tenant        string
	Value         []byte
	Checksum      [32]byte
	CreatedAt     time.Time
	ExpiresAt     time.Time
	AccessCount   uint64
	TableVersions map[string]uint64
}

// bucket holds all entries for one cache configuration behind its own lock,
// so invalidating one cache never stalls lookups on another.
type bucket struct {
	cfg        *Configuration
	currentTTL atomic.Int64 // nanoseconds, adjusted by the tuner

	mu      sync.Mutex
	entries map[uint64]*list.Element
	lru     *list.List // front = most recently used
	bytes   int64

	hits            atomic.Uint64
	misses          atomic.Uint64
	oversizedLogged atomic.Bool
}

// Stats is a point-in-time view of one cache, used by HealthSnapshot.
type Stats struct {
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	Entries    int           `json:"entries"`
	HitRatio   float64       `json:"hit_ratio"`
	CurrentTTL time.Duration `json:"current_ttl"`
}

// Store is the cache store. All methods are safe for concurrent use.
type Store struct {
	buckets map[string]*bucket
	order   []string // deterministic iteration for pattern matching
	byTable map[string][]*bucket

	versionMu sync.Mutex
	versions  map[string]uint64 // bumped on global (tenant-unscoped) invalidation

	now func() time.Time
}

// FromConfig converts a TOML cache configuration, assuming it was already
// validated at load time.
func FromConfig(cc *config.CacheConfig) (*Configuration, error) {
	defTTL, err := cc.GetDefaultTTL()
	if err != nil {
		return nil, err
	}
	minTTL, err := cc.GetMinTTL()
	if err != nil {
		return nil, err
	}
	maxTTL, err := cc.GetMaxTTL()
	if err != nil {
		return nil, err
	}

	cfg := &Configuration{
		Name:             cc.Name,
		Tables:           cc.Tables,
		DefaultTTL:       defTTL,
		MinTTL:           minTTL,
		MaxTTL:           maxTTL,
		MaxEntries:       cc.MaxEntries,
		MaxBytes:         cc.MaxBytes,
		Strategy:         Strategy(cc.Strategy),
		Warming:          cc.Warming,
		RefreshThreshold: cc.RefreshThreshold,
		PerTenant:        cc.PerTenant,
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.RefreshThreshold == 0 {
		cfg.RefreshThreshold = 0.2
	}
	for _, p := range cc.QueryPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: cache %q: %v", consts.ErrConfigInvalid, cc.Name, err)
		}
		cfg.patterns = append(cfg.patterns, re)
	}
	return cfg, nil
}

// New builds a store from the given configurations.
func New(configs []config.CacheConfig) (*Store, error) {
	s := &Store{
		buckets:  make(map[string]*bucket),
		byTable:  make(map[string][]*bucket),
		versions: make(map[string]uint64),
		now:      time.Now,
	}

	for i := range configs {
		cfg, err := FromConfig(&configs[i])
		if err != nil {
			return nil, err
		}
		if _, ok := s.buckets[cfg.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate cache name %q", consts.ErrConfigInvalid, cfg.Name)
		}
		b := &bucket{
			cfg:     cfg,
			entries: make(map[uint64]*list.Element),
			lru:     list.New(),
		}
		b.currentTTL.Store(int64(cfg.DefaultTTL))
		s.buckets[cfg.Name] = b
		s.order = append(s.order, cfg.Name)
		for _, t := range cfg.Tables {
			s.byTable[t] = append(s.byTable[t], b)
		}
		metrics.CacheTTLSeconds.WithLabelValues(cfg.Name).Set(cfg.DefaultTTL.Seconds())
	}
	sort.Strings(s.order)

	return s, nil
}

// Key computes the composite cache key. Global (non per-tenant) caches
// share entries across tenants.
func (s *Store) Key(cacheName, query string, params []any, tenant string) uint64 {
	b := s.buckets[cacheName]
	var sb strings.Builder
	sb.WriteString(cacheName)
	sb.WriteByte(0x1f)
	sb.WriteString(query)
	sb.WriteByte(0x1f)
	sb.WriteString(SerializeParams(params))
	if b == nil || b.cfg.PerTenant {
		sb.WriteByte(0x1f)
		sb.WriteString(tenant)
	}
	return xxh3.HashString(sb.String())
}

// SerializeParams renders bound parameters into a deterministic string for
// key construction.
func SerializeParams(params []any) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, len(params))
	for i, p := range params {
		switch v := p.(type) {
		case nil:
			parts[i] = "nil"
		case []byte:
			parts[i] = fmt.Sprintf("bytes:%x", v)
		case time.Time:
			parts[i] = "time:" + v.UTC().Format(time.RFC3339Nano)
		default:
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	return strings.Join(parts, "::")
}

// ConfigFor returns the configuration of a named cache.
func (s *Store) ConfigFor(cacheName string) (*Configuration, bool) {
	b, ok := s.buckets[cacheName]
	if !ok {
		return nil, false
	}
	return b.cfg, true
}

// MatchConfig returns the first cache configuration (in name order) whose
// query patterns match the normalized query, or nil if the query is not
// cacheable.
func (s *Store) MatchConfig(query string) *Configuration {
	for _, name := range s.order {
		b := s.buckets[name]
		for _, re := range b.cfg.patterns {
			if re.MatchString(query) {
				return b.cfg
			}
		}
	}
	return nil
}

// Get looks up a cached result. A checksum mismatch or a stale table
// version is treated as a miss, never as an error.
func (s *Store) Get(cacheName, query string, params []any, tenant string) ([]byte, bool) {
	b, ok := s.buckets[cacheName]
	if !ok {
		return nil, false
	}

	key := s.Key(cacheName, query, params, tenant)
	now := s.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	elem, ok := b.entries[key]
	if !ok {
		b.miss()
		return nil, false
	}
	entry := elem.Value.(*Entry)

	if now.After(entry.ExpiresAt) {
		b.removeLocked(elem, "expired")
		b.miss()
		return nil, false
	}

	if blake3.Sum256(entry.Value) != entry.Checksum {
		logger.Warn("cache entry failed checksum verification, dropping",
			"cache", cacheName, "tenant", entry.Tenant)
		metrics.CacheCorruptionTotal.WithLabelValues(cacheName).Inc()
		b.removeLocked(elem, "corrupted")
		b.miss()
		return nil, false
	}

	if b.cfg.Strategy == StrategyDependency && s.versionsStale(entry) {
		b.removeLocked(elem, "stale_version")
		b.miss()
		return nil, false
	}

	entry.AccessCount++
	b.lru.MoveToFront(elem)
	b.hits.Add(1)
	metrics.CacheHitsTotal.WithLabelValues(cacheName).Inc()
	return entry.Value, true
}

func (b *bucket) miss() {
	b.misses.Add(1)
	metrics.CacheMissesTotal.WithLabelValues(b.cfg.Name).Inc()
}

// versionsStale reports whether any dependency table was globally
// invalidated after the entry was computed.
func (s *Store) versionsStale(entry *Entry) bool {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	for table, seen := range entry.TableVersions {
		if s.versions[table] > seen {
			return true
		}
	}
	return false
}

// Versions snapshots the current global versions of the given tables, to be
// stored with an entry as its source table versions.
func (s *Store) Versions(tables []string) map[string]uint64 {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	out := make(map[string]uint64, len(tables))
	for _, t := range tables {
		out[t] = s.versions[t]
	}
	return out
}

// Put stores a query result. Expiry is computed from the configuration's
// current (adaptively tuned) TTL, clamped so that no entry outlives MaxTTL.
// An unknown cache or a value that can never fit degrades to a no-op: the
// caller already has its result, the cache just stays cold.
func (s *Store) Put(cacheName, query string, params []any, tenant string, value []byte, versions map[string]uint64) {
	b, ok := s.buckets[cacheName]
	if !ok {
		return
	}
	if b.cfg.MaxBytes > 0 && int64(len(value)) > b.cfg.MaxBytes {
		if !b.oversizedLogged.Swap(true) {
			logger.Warn("cache value exceeds size limit, oversized results are not cached",
				"cache", cacheName, "size", len(value), "max_bytes", b.cfg.MaxBytes)
		}
		return
	}

	key := s.Key(cacheName, query, params, tenant)
	now := s.now()
	ttl := time.Duration(b.currentTTL.Load())
	if ttl > b.cfg.MaxTTL {
		ttl = b.cfg.MaxTTL
	}

	entry := &Entry{
		Key:           key,
		Query:         query,
		Params:        params,
		Tenant:        tenant,
		Value:         value,
		Checksum:      blake3.Sum256(value),
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		TableVersions: versions,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, ok := b.entries[key]; ok {
		old := elem.Value.(*Entry)
		b.bytes -= int64(len(old.Value))
		elem.Value = entry
		b.bytes += int64(len(value))
		b.lru.MoveToFront(elem)
	} else {
		elem := b.lru.PushFront(entry)
		b.entries[key] = elem
		b.bytes += int64(len(value))
	}

	for len(b.entries) > b.cfg.MaxEntries || (b.cfg.MaxBytes > 0 && b.bytes > b.cfg.MaxBytes) {
		tail := b.lru.Back()
		if tail == nil {
			break
		}
		b.removeLocked(tail, "lru")
	}

	metrics.CacheEntriesTotal.WithLabelValues(cacheName).Set(float64(len(b.entries)))
}

// removeLocked unlinks an entry. Caller holds b.mu.
func (b *bucket) removeLocked(elem *list.Element, reason string) {
	entry := elem.Value.(*Entry)
	delete(b.entries, entry.Key)
	b.lru.Remove(elem)
	b.bytes -= int64(len(entry.Value))
	metrics.CacheEvictionsTotal.WithLabelValues(b.cfg.Name, reason).Inc()
	metrics.CacheEntriesTotal.WithLabelValues(b.cfg.Name).Set(float64(len(b.entries)))
}

// InvalidateByTable removes entries from every cache that declares the
// table as a dependency and uses a write-aware strategy. A non-empty
// tenant scopes removal to that tenant's entries in per-tenant caches;
// global caches share one entry across tenants, so any tenant's write
// removes it.
func (s *Store) InvalidateByTable(table, tenant string) (int, error) {
	if tenant == "" {
		// Global invalidation also bumps the table version so that
		// dependency_based entries already handed out to concurrent readers
		// are rejected on their next lookup.
		s.versionMu.Lock()
		s.versions[table]++
		s.versionMu.Unlock()
	}

	removed := 0
	for _, b := range s.byTable[table] {
		if b.cfg.Strategy != StrategyWriteThrough && b.cfg.Strategy != StrategyDependency {
			continue
		}
		scoped := tenant != "" && b.cfg.PerTenant
		bucketRemoved := 0
		b.mu.Lock()
		var next *list.Element
		for elem := b.lru.Front(); elem != nil; elem = next {
			next = elem.Next()
			entry := elem.Value.(*Entry)
			if scoped && entry.Tenant != tenant {
				continue
			}
			b.removeLocked(elem, "invalidation")
			bucketRemoved++
		}
		b.mu.Unlock()
		metrics.CacheInvalidationsTotal.WithLabelValues(b.cfg.Name, "table_write").Add(float64(bucketRemoved))
		removed += bucketRemoved
	}
	return removed, nil
}

// InvalidateAll flushes a cache completely. Used for manual strategy caches
// and as the dispatcher's escalation fallback.
func (s *Store) InvalidateAll(cacheName string) (int, error) {
	b, ok := s.buckets[cacheName]
	if !ok {
		return 0, fmt.Errorf("%w: %q", consts.ErrCacheNotFound, cacheName)
	}

	b.mu.Lock()
	removed := len(b.entries)
	b.entries = make(map[uint64]*list.Element)
	b.lru.Init()
	b.bytes = 0
	b.mu.Unlock()

	metrics.CacheInvalidationsTotal.WithLabelValues(cacheName, "full_flush").Add(float64(removed))
	metrics.CacheEntriesTotal.WithLabelValues(cacheName).Set(0)
	return removed, nil
}

// CachesDependingOn returns the names of caches that list the table as a
// dependency, regardless of strategy.
func (s *Store) CachesDependingOn(table string) []string {
	var names []string
	for _, b := range s.byTable[table] {
		names = append(names, b.cfg.Name)
	}
	return names
}

// Stats returns hit/miss statistics per cache.
func (s *Store) Stats() map[string]Stats {
	out := make(map[string]Stats, len(s.buckets))
	for name, b := range s.buckets {
		hits := b.hits.Load()
		misses := b.misses.Load()
		var ratio float64
		if hits+misses > 0 {
			ratio = float64(hits) / float64(hits+misses)
		}
		b.mu.Lock()
		entries := len(b.entries)
		b.mu.Unlock()
		out[name] = Stats{
			Hits:       hits,
			Misses:     misses,
			Entries:    entries,
			HitRatio:   ratio,
			CurrentTTL: time.Duration(b.currentTTL.Load()),
		}
	}
	return out
}

// StartCleanup launches the background loop that removes expired entries.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *Store) cleanup() {
	now := s.now()
	total := 0
	for _, b := range s.buckets {
		b.mu.Lock()
		var next *list.Element
		for elem := b.lru.Front(); elem != nil; elem = next {
			next = elem.Next()
			if now.After(elem.Value.(*Entry).ExpiresAt) {
				b.removeLocked(elem, "expired")
				total++
			}
		}
		b.mu.Unlock()
	}
	if total > 0 {
		logger.Debug("cache cleanup removed expired entries", "removed", total)
	}
}
