package pool

import (
	"context"
	"time"

	"github.com/pgplane/pgplane/logger"
	"github.com/pgplane/pgplane/pkg/metrics"
)

const (
	scaleUpUtilization   = 0.85
	scaleDownUtilization = 0.20

	// Low utilization must hold for this many consecutive evaluation windows
	// before the pool shrinks.
	scaleDownSustainWindows = 3
)

// Autoscaler periodically resizes each workload pool's connection limit.
// Scaling decisions happen here, never per-request.
type Autoscaler struct {
	registry *Registry
	interval time.Duration
}

// NewAutoscaler creates an autoscaler over the registry's pools.
func NewAutoscaler(registry *Registry, interval time.Duration) *Autoscaler {
	return &Autoscaler{
		registry: registry,
		interval: interval,
	}
}

// Start launches the periodic evaluation loop.
func (a *Autoscaler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Evaluate()
			}
		}
	}()
}

// Evaluate runs one scaling pass over all pools. Exported so tests and the
// admin API can trigger a pass directly.
func (a *Autoscaler) Evaluate() {
	for _, name := range a.registry.order {
		a.evaluatePool(a.registry.pools[name])
	}
}

func (a *Autoscaler) evaluatePool(p *Pool) {
	active, waiting, max := p.limiter.stats()
	var util float64
	if max > 0 {
		util = float64(active) / float64(max)
	}

	// Scale up: saturation or anyone waiting means the limit is the
	// bottleneck right now.
	if (util > scaleUpUtilization || waiting > 0) && max < p.hardCap {
		newMax := max * 2
		if newMax > p.hardCap {
			newMax = p.hardCap
		}
		p.limiter.resize(newMax)
		p.lowUtilStreak = 0
		metrics.PoolMaxConns.WithLabelValues(p.Name).Set(float64(newMax))
		metrics.PoolScaleEventsTotal.WithLabelValues(p.Name, "up").Inc()
		logger.Info("pool scaled up",
			"pool", p.Name, "utilization", util, "waiting", waiting,
			"old_max", max, "new_max", newMax)
		return
	}

	// Scale down only on sustained low utilization, never below min*2.
	floor := p.minConns * 2
	if util < scaleDownUtilization && max > floor {
		p.lowUtilStreak++
		if p.lowUtilStreak < scaleDownSustainWindows {
			return
		}
		newMax := max * 3 / 4
		if newMax < floor {
			newMax = floor
		}
		p.limiter.resize(newMax)
		p.lowUtilStreak = 0
		metrics.PoolMaxConns.WithLabelValues(p.Name).Set(float64(newMax))
		metrics.PoolScaleEventsTotal.WithLabelValues(p.Name, "down").Inc()
		logger.Info("pool scaled down",
			"pool", p.Name, "utilization", util, "old_max", max, "new_max", newMax)
		return
	}

	p.lowUtilStreak = 0
}
