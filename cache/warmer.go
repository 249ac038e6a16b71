package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pgplane/pgplane/logger"
	"github.com/pgplane/pgplane/pkg/metrics"
)

// RefreshFunc re-executes the original query and stores the fresh result.
// It is supplied by the engine, which knows how to route and run queries.
type RefreshFunc func(ctx context.Context, cacheName, query string, params []any, tenant string) error

// Warmer proactively refreshes entries whose remaining TTL has dropped
// below the configured threshold. Callers keep reading the old entry while
// the refresh runs; warming never blocks a request.
type Warmer struct {
	store    *Store
	interval time.Duration
	refresh  RefreshFunc

	mu       sync.Mutex
	inflight map[uint64]bool
}

// NewWarmer creates a warmer. The refresh function is invoked in background
// goroutines and must be safe for concurrent use.
func NewWarmer(store *Store, interval time.Duration, refresh RefreshFunc) *Warmer {
	return &Warmer{
		store:    store,
		interval: interval,
		refresh:  refresh,
		inflight: make(map[uint64]bool),
	}
}

// Start launches the periodic warming loop.
func (w *Warmer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Sweep(ctx)
			}
		}
	}()
}

// candidate carries the fields needed to re-execute an entry's query.
type candidate struct {
	key    uint64
	query  string
	params []any
	tenant string
}

// Sweep runs one warming pass: collect due entries under the bucket locks,
// then refresh them outside any lock.
func (w *Warmer) Sweep(ctx context.Context) {
	now := w.store.now()

	for name, b := range w.store.buckets {
		if !b.cfg.Warming {
			continue
		}

		var due []candidate
		b.mu.Lock()
		for _, elem := range b.entries {
			entry := elem.Value.(*Entry)
			total := entry.ExpiresAt.Sub(entry.CreatedAt)
			if total <= 0 {
				continue
			}
			remaining := entry.ExpiresAt.Sub(now)
			if remaining > 0 && float64(remaining) < float64(total)*b.cfg.RefreshThreshold {
				due = append(due, candidate{
					key:    entry.Key,
					query:  entry.Query,
					params: entry.Params,
					tenant: entry.Tenant,
				})
			}
		}
		b.mu.Unlock()

		for _, c := range due {
			w.mu.Lock()
			if w.inflight[c.key] {
				w.mu.Unlock()
				continue
			}
			w.inflight[c.key] = true
			w.mu.Unlock()

			go func(cacheName string, c candidate) {
				defer func() {
					w.mu.Lock()
					delete(w.inflight, c.key)
					w.mu.Unlock()
				}()

				if err := w.refresh(ctx, cacheName, c.query, c.params, c.tenant); err != nil {
					// The old entry stays valid until it expires; warming is
					// best-effort.
					logger.Debug("cache warm refresh failed", "cache", cacheName, "error", err)
					metrics.CacheWarmRefreshTotal.WithLabelValues(cacheName, "failure").Inc()
					return
				}
				metrics.CacheWarmRefreshTotal.WithLabelValues(cacheName, "success").Inc()
			}(name, c)
		}
	}
}
