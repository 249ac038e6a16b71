// Package invalidation dispatches "table X was written for tenant Y"
// events into cache invalidation.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pgplane/pgplane/consts"
	"github.com/pgplane/pgplane/logger"
	"github.com/pgplane/pgplane/pkg/metrics"
	"github.com/pgplane/pgplane/pkg/retry"
)

// Invalidator is the slice of the cache store the dispatcher needs.
type Invalidator interface {
	InvalidateByTable(table, tenant string) (int, error)
	InvalidateAll(cacheName string) (int, error)
	CachesDependingOn(table string) []string
}

// Dispatcher receives write events and removes dependent cache entries.
// Invalidation is best-effort with bounded retries; exhausting them forces
// a full flush of the affected caches, trading performance for correctness.
type Dispatcher struct {
	store   Invalidator
	backoff retry.BackoffConfig
}

// New creates a dispatcher. maxRetries bounds the retry attempts before
// escalation.
func New(store Invalidator, maxRetries int) *Dispatcher {
	backoff := retry.DefaultBackoffConfig()
	if maxRetries > 0 {
		backoff.MaxRetries = maxRetries
	}
	return &Dispatcher{
		store:   store,
		backoff: backoff,
	}
}

// OnWrite is invoked by the write path immediately after a write commits.
// It runs synchronously, so on success the invalidation is visible when it
// returns; the write-commit to invalidation-visible window is therefore
// bounded by the retry budget (default well under 2s), after which the
// affected caches are flushed entirely.
func (d *Dispatcher) OnWrite(ctx context.Context, table, tenant string, writeTS time.Time) error {
	var removed int
	err := retry.WithRetry(ctx, func() error {
		n, invErr := d.store.InvalidateByTable(table, tenant)
		if invErr != nil {
			metrics.InvalidationRetriesTotal.Inc()
			return invErr
		}
		removed = n
		return nil
	}, d.backoff)

	if err == nil {
		metrics.InvalidationEventsTotal.WithLabelValues(table, "success").Inc()
		if removed > 0 {
			logger.Debug("invalidated cache entries after write",
				"table", table, "tenant", tenant, "removed", removed,
				"write_age", time.Since(writeTS))
		}
		return nil
	}

	// Escalation: flush every cache depending on the table. Correctness is
	// restored even though the invalidation itself kept failing.
	logger.Warn("invalidation retries exhausted, forcing full flush",
		"table", table, "tenant", tenant, "error", err)
	metrics.InvalidationEventsTotal.WithLabelValues(table, "escalated").Inc()

	var flushErr error
	for _, name := range d.store.CachesDependingOn(table) {
		if _, ferr := d.store.InvalidateAll(name); ferr != nil {
			flushErr = errors.Join(flushErr, ferr)
			continue
		}
		metrics.ForcedFlushTotal.WithLabelValues(name).Inc()
	}
	if flushErr != nil {
		return fmt.Errorf("%w: %v", consts.ErrInvalidationFailed, flushErr)
	}
	return nil
}
