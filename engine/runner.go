package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pgplane/pgplane/consts"
	"github.com/pgplane/pgplane/pkg/metrics"
	"github.com/pgplane/pgplane/pool"
	"github.com/pgplane/pgplane/router"
)

// PgxRunner executes queries through the workload pool registry against
// real database endpoints.
type PgxRunner struct {
	Registry *pool.Registry
}

// NewPgxRunner wraps a registry.
func NewPgxRunner(registry *pool.Registry) *PgxRunner {
	return &PgxRunner{Registry: registry}
}

// Run acquires a slot from the target's workload pool, executes against
// the target endpoint and materializes the rows.
func (r *PgxRunner) Run(ctx context.Context, target router.Target, sql string, params []any) (*Result, error) {
	endpoint := "primary"
	if target.Source == router.SourceReplica {
		endpoint = target.Replica
	}
	role := string(target.Source)

	conn, err := r.Registry.Acquire(ctx, target.Pool, endpoint)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(target.Pool, role, "error").Inc()
		return nil, err
	}
	defer conn.Release()

	pgc := conn.Pgx()
	if pgc == nil {
		return nil, fmt.Errorf("%w: no endpoint %q attached", consts.ErrReplicaUnavailable, endpoint)
	}

	queryCtx, cancel := context.WithTimeout(ctx, conn.QueryTimeout())
	defer cancel()

	start := time.Now()
	rows, err := pgc.Query(queryCtx, sql, params...)
	if err != nil {
		return nil, r.finish(target.Pool, role, start, queryCtx, ctx, err)
	}
	defer rows.Close()

	res := &Result{}
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, string(fd.Name))
	}
	for rows.Next() {
		vals, verr := rows.Values()
		if verr != nil {
			return nil, r.finish(target.Pool, role, start, queryCtx, ctx, verr)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, r.finish(target.Pool, role, start, queryCtx, ctx, err)
	}

	metrics.QueriesTotal.WithLabelValues(target.Pool, role, "success").Inc()
	metrics.QueryDuration.WithLabelValues(target.Pool, role).Observe(time.Since(start).Seconds())
	return res, nil
}

// finish records the failure metrics and maps per-query deadline expiry to
// ErrQueryTimeout, keeping caller cancellation distinct.
func (r *PgxRunner) finish(poolName, role string, start time.Time, queryCtx, ctx context.Context, err error) error {
	metrics.QueryDuration.WithLabelValues(poolName, role).Observe(time.Since(start).Seconds())
	if errors.Is(queryCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		metrics.QueriesTotal.WithLabelValues(poolName, role, "timeout").Inc()
		return fmt.Errorf("%w after %s: %v", consts.ErrQueryTimeout, time.Since(start).Round(time.Millisecond), err)
	}
	metrics.QueriesTotal.WithLabelValues(poolName, role, "error").Inc()
	return err
}
