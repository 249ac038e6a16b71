package cache

import (
	"context"
	"time"

	"github.com/pgplane/pgplane/logger"
	"github.com/pgplane/pgplane/pkg/metrics"
)

const (
	// Tuning only kicks in once a window has enough traffic to mean something.
	tunerMinSamples = 20

	tunerLowHitRatio  = 0.5
	tunerHighHitRatio = 0.9

	tunerShrinkFactor = 0.7 // -30% on a cold cache
	tunerGrowFactor   = 1.2 // +20% on a hot cache
)

// Tuner adjusts cache TTLs from rolling hit ratios. It runs as a periodic
// background pass so configuration mutation never races request handling.
type Tuner struct {
	store    *Store
	interval time.Duration

	// Totals at the end of the previous window, per cache.
	lastHits   map[string]uint64
	lastMisses map[string]uint64
}

// NewTuner creates an adaptive TTL tuner for the store.
func NewTuner(store *Store, interval time.Duration) *Tuner {
	return &Tuner{
		store:      store,
		interval:   interval,
		lastHits:   make(map[string]uint64),
		lastMisses: make(map[string]uint64),
	}
}

// Start launches the periodic evaluation loop.
func (t *Tuner) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Evaluate()
			}
		}
	}()
}

// Evaluate runs one tuning pass over all caches.
func (t *Tuner) Evaluate() {
	for name, b := range t.store.buckets {
		hits := b.hits.Load()
		misses := b.misses.Load()
		windowHits := hits - t.lastHits[name]
		windowMisses := misses - t.lastMisses[name]
		t.lastHits[name] = hits
		t.lastMisses[name] = misses

		samples := windowHits + windowMisses
		if samples < tunerMinSamples {
			continue
		}
		ratio := float64(windowHits) / float64(samples)

		current := time.Duration(b.currentTTL.Load())
		next := current
		switch {
		case ratio < tunerLowHitRatio:
			next = time.Duration(float64(current) * tunerShrinkFactor)
		case ratio > tunerHighHitRatio:
			next = time.Duration(float64(current) * tunerGrowFactor)
		}

		if next < b.cfg.MinTTL {
			next = b.cfg.MinTTL
		}
		if next > b.cfg.MaxTTL {
			next = b.cfg.MaxTTL
		}

		if next != current {
			b.currentTTL.Store(int64(next))
			metrics.CacheTTLSeconds.WithLabelValues(name).Set(next.Seconds())
			logger.Info("adaptive TTL adjusted",
				"cache", name, "hit_ratio", ratio, "old_ttl", current, "new_ttl", next)
		}
	}
}

// CurrentTTL exposes the tuned TTL of a cache, mainly for tests and the
// health snapshot.
func (s *Store) CurrentTTL(cacheName string) (time.Duration, bool) {
	b, ok := s.buckets[cacheName]
	if !ok {
		return 0, false
	}
	return time.Duration(b.currentTTL.Load()), true
}
