// Package router selects a target pool and connection source for each
// query from an ordered rule table, replica health and lag constraints.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pgplane/pgplane/config"
	"github.com/pgplane/pgplane/consts"
	"github.com/pgplane/pgplane/logger"
	"github.com/pgplane/pgplane/pkg/metrics"
)

// Operation classifies a query.
type Operation int

const (
	OpSelect Operation = iota
	OpInsert
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpSelect:
		return "select"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// IsWrite reports whether the operation mutates data.
func (o Operation) IsWrite() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// ParseOperation maps a config string to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(s) {
	case "select":
		return OpSelect, nil
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("%w: unknown operation %q", consts.ErrConfigInvalid, s)
}

// Query is the routed unit of work.
type Query struct {
	SQL    string
	Params []any
	Tables []string
	Op     Operation
	Tenant string
	Role   string
}

// Consistency expresses a caller's staleness requirement. RequirePrimary
// forces routing to primary and bypasses the cache entirely.
type Consistency struct {
	RequirePrimary bool
	MaxStaleness   time.Duration // 0 = no constraint beyond the rule's own
}

// SourceType identifies the connection source of a routing target.
type SourceType string

const (
	SourcePrimary SourceType = "primary"
	SourceReplica SourceType = "replica"
)

// Target is the routing decision: which workload pool to draw a connection
// from, and which server to run against.
type Target struct {
	Pool    string
	Source  SourceType
	Replica string // set when Source == SourceReplica
}

// ReplicaInfo is the router's read-only view of one active replica.
type ReplicaInfo struct {
	Name   string
	Lag    time.Duration
	Weight int
}

// HealthView is implemented by the replica health monitor. The router only
// reads snapshots; it never mutates replica state.
type HealthView interface {
	// ReplicaActive returns the current lag and whether the replica is in
	// the active state.
	ReplicaActive(name string) (lag time.Duration, active bool)
	// ActiveReplicas returns all active replicas sorted by read weight
	// descending.
	ActiveReplicas() []ReplicaInfo
}

// Rule is a compiled routing rule. The configured target never changes at
// runtime; failover works through the assigned* override fields, which are
// cleared when the configured replica recovers.
type Rule struct {
	Priority          int
	Pattern           *regexp.Regexp
	Tables            []string
	Ops               map[Operation]bool // nil = any
	Roles             map[string]bool    // nil = any
	Target            string             // "primary" | "replica" | "specific_replica"
	ConfiguredReplica string
	Pool              string
	MaxLag            time.Duration

	assignedReplica string
	assignedPrimary bool
}

// CompileRules converts validated TOML rules into runtime rules sorted by
// ascending priority.
func CompileRules(rules []config.RoutingRule) ([]*Rule, error) {
	compiled := make([]*Rule, 0, len(rules))
	for i := range rules {
		rc := &rules[i]
		r := &Rule{
			Priority:          rc.Priority,
			Tables:            rc.Tables,
			Target:            rc.TargetType,
			ConfiguredReplica: rc.TargetReplica,
			Pool:              rc.Pool,
		}
		if rc.QueryPattern != "" {
			re, err := regexp.Compile(rc.QueryPattern)
			if err != nil {
				return nil, fmt.Errorf("%w: routing rule priority %d: %v", consts.ErrConfigInvalid, rc.Priority, err)
			}
			r.Pattern = re
		}
		if len(rc.Operations) > 0 {
			r.Ops = make(map[Operation]bool, len(rc.Operations))
			for _, s := range rc.Operations {
				op, err := ParseOperation(s)
				if err != nil {
					return nil, err
				}
				r.Ops[op] = true
			}
		}
		if len(rc.Roles) > 0 {
			r.Roles = make(map[string]bool, len(rc.Roles))
			for _, role := range rc.Roles {
				r.Roles[role] = true
			}
		}
		maxLag, err := rc.GetMaxLagTolerance()
		if err != nil {
			return nil, err
		}
		r.MaxLag = maxLag
		compiled = append(compiled, r)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority < compiled[j].Priority
	})
	return compiled, nil
}

// Router holds the live rule table. Rules are swapped atomically on reload
// and reassigned in bulk on failover; request processing only ever reads.
type Router struct {
	mu          sync.RWMutex
	rules       []*Rule
	health      HealthView
	defaultPool string
}

// New creates a router with the given compiled rules.
func New(rules []*Rule, health HealthView, defaultPool string) *Router {
	return &Router{
		rules:       rules,
		health:      health,
		defaultPool: defaultPool,
	}
}

// Reload replaces the rule table without disturbing in-flight routing.
func (r *Router) Reload(rules []*Rule) {
	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	logger.Info("routing rules reloaded", "rules", len(rules))
}

// matches reports whether the rule predicate covers the query.
func (rl *Rule) matches(q *Query) bool {
	if rl.Ops != nil && !rl.Ops[q.Op] {
		return false
	}
	if rl.Roles != nil && !rl.Roles[q.Role] {
		return false
	}
	if len(rl.Tables) > 0 {
		found := false
		for _, rt := range rl.Tables {
			for _, qt := range q.Tables {
				if rt == qt {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	if rl.Pattern != nil && !rl.Pattern.MatchString(q.SQL) {
		return false
	}
	return true
}

// Route evaluates rules in ascending priority order; the first match wins.
// Writes always resolve to primary regardless of the matched target.
func (r *Router) Route(q Query, c Consistency) Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched *Rule
	for _, rl := range r.rules {
		if rl.matches(&q) {
			matched = rl
			break
		}
	}

	pool := r.defaultPool
	if matched != nil && matched.Pool != "" {
		pool = matched.Pool
	}

	if q.Op.IsWrite() || c.RequirePrimary {
		return Target{Pool: pool, Source: SourcePrimary}
	}
	if matched == nil || matched.Target == "primary" {
		return Target{Pool: pool, Source: SourcePrimary}
	}

	constraint := matched.MaxLag
	if c.MaxStaleness > 0 && c.MaxStaleness < constraint {
		constraint = c.MaxStaleness
	}

	// Failover override takes precedence over the configured target.
	if matched.assignedPrimary {
		return Target{Pool: pool, Source: SourcePrimary}
	}

	preferred := matched.ConfiguredReplica
	if matched.assignedReplica != "" {
		preferred = matched.assignedReplica
	}

	if preferred != "" {
		if lag, active := r.health.ReplicaActive(preferred); active && lag <= constraint {
			return Target{Pool: pool, Source: SourceReplica, Replica: preferred}
		}
		metrics.RoutingFallbacksTotal.WithLabelValues("replica_ineligible").Inc()
	}

	// Next-highest-weight active replica satisfying the same constraint.
	for _, info := range r.health.ActiveReplicas() {
		if info.Name == preferred {
			continue
		}
		if info.Lag <= constraint {
			return Target{Pool: pool, Source: SourceReplica, Replica: info.Name}
		}
	}

	metrics.RoutingFallbacksTotal.WithLabelValues("no_eligible_replica").Inc()
	return Target{Pool: pool, Source: SourcePrimary}
}

// ReassignFrom rewrites, in bulk, every rule currently targeting the failed
// replica. The replacement is the highest-weight active replica; with none
// available the rules degrade to primary.
func (r *Router) ReassignFrom(failed string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var replacement string
	for _, info := range r.health.ActiveReplicas() {
		if info.Name != failed {
			replacement = info.Name
			break
		}
	}

	count := 0
	for _, rl := range r.rules {
		effective := rl.ConfiguredReplica
		if rl.assignedReplica != "" {
			effective = rl.assignedReplica
		}
		if effective != failed || rl.assignedPrimary {
			continue
		}
		if replacement != "" {
			rl.assignedReplica = replacement
			rl.assignedPrimary = false
		} else {
			rl.assignedReplica = ""
			rl.assignedPrimary = true
			logger.Warn("no active replica available, rule degraded to primary",
				"priority", rl.Priority, "failed_replica", failed)
		}
		count++
	}

	if count > 0 {
		logger.Warn("routing rules reassigned after replica failure",
			"failed_replica", failed, "replacement", replacement, "rules", count)
	}
	return count
}

// RestoreReplica clears failover overrides for rules configured to target
// the recovered replica. Rules that had degraded to primary because no
// replica was available pick up the recovered one instead of staying
// pinned.
func (r *Router) RestoreReplica(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, rl := range r.rules {
		if rl.ConfiguredReplica == name {
			if rl.assignedReplica != "" || rl.assignedPrimary {
				rl.assignedReplica = ""
				rl.assignedPrimary = false
				count++
			}
			continue
		}
		if rl.assignedPrimary {
			rl.assignedPrimary = false
			rl.assignedReplica = name
			count++
		}
	}

	if count > 0 {
		logger.Info("routing rules restored after replica recovery",
			"replica", name, "rules", count)
	}
	return count
}
