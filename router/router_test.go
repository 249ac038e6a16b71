package router

import (
	"testing"
	"time"

	"github.com/pgplane/pgplane/config"
)

// fakeHealth implements HealthView over a fixed replica set.
type fakeHealth struct {
	replicas []ReplicaInfo   // sorted by weight descending
	active   map[string]bool // unlisted names are inactive
}

func (f *fakeHealth) ReplicaActive(name string) (time.Duration, bool) {
	if !f.active[name] {
		return 0, false
	}
	for _, r := range f.replicas {
		if r.Name == name {
			return r.Lag, true
		}
	}
	return 0, false
}

func (f *fakeHealth) ActiveReplicas() []ReplicaInfo {
	var out []ReplicaInfo
	for _, r := range f.replicas {
		if f.active[r.Name] {
			out = append(out, r)
		}
	}
	return out
}

func compile(t *testing.T, rules ...config.RoutingRule) []*Rule {
	t.Helper()
	compiled, err := CompileRules(rules)
	if err != nil {
		t.Fatalf("CompileRules failed: %v", err)
	}
	return compiled
}

func healthyPair() *fakeHealth {
	return &fakeHealth{
		replicas: []ReplicaInfo{
			{Name: "replica-1", Lag: 2 * time.Second, Weight: 10},
			{Name: "replica-2", Lag: 4 * time.Second, Weight: 5},
		},
		active: map[string]bool{"replica-1": true, "replica-2": true},
	}
}

func TestWritesAlwaysRouteToPrimary(t *testing.T) {
	rules := compile(t, config.RoutingRule{
		Priority:   10,
		TargetType: "replica",
		Pool:       "api",
	})
	r := New(rules, healthyPair(), "api")

	for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		target := r.Route(Query{SQL: "WRITE", Op: op, Tables: []string{"boards"}}, Consistency{})
		if target.Source != SourcePrimary {
			t.Errorf("%s routed to %s, want primary", op, target.Source)
		}
	}
}

func TestRequirePrimaryOverridesRule(t *testing.T) {
	rules := compile(t, config.RoutingRule{
		Priority:      10,
		TargetType:    "specific_replica",
		TargetReplica: "replica-1",
		Pool:          "api",
	})
	r := New(rules, healthyPair(), "api")

	target := r.Route(Query{SQL: "SELECT 1", Op: OpSelect}, Consistency{RequirePrimary: true})
	if target.Source != SourcePrimary {
		t.Errorf("RequirePrimary ignored: routed to %s", target.Source)
	}
}

func TestFirstMatchByPriorityWins(t *testing.T) {
	rules := compile(t,
		config.RoutingRule{
			Priority:   20,
			TargetType: "primary",
			Pool:       "jobs",
		},
		config.RoutingRule{
			Priority:      10,
			Tables:        []string{"boards"},
			TargetType:    "specific_replica",
			TargetReplica: "replica-1",
			Pool:          "api",
		},
	)
	r := New(rules, healthyPair(), "default")

	target := r.Route(Query{SQL: "SELECT 1", Op: OpSelect, Tables: []string{"boards"}}, Consistency{})
	if target.Pool != "api" || target.Replica != "replica-1" {
		t.Errorf("lower-priority rule did not win: %+v", target)
	}

	// A query not touching boards falls through to the catch-all.
	target = r.Route(Query{SQL: "SELECT 1", Op: OpSelect, Tables: []string{"sessions"}}, Consistency{})
	if target.Pool != "jobs" || target.Source != SourcePrimary {
		t.Errorf("catch-all rule not applied: %+v", target)
	}
}

func TestRuleMatchingPredicates(t *testing.T) {
	rules := compile(t, config.RoutingRule{
		Priority:     10,
		QueryPattern: `(?i)^SELECT .* FROM boards\b`,
		Operations:   []string{"select"},
		Roles:        []string{"analytics"},
		TargetType:   "replica",
		Pool:         "analytics",
	})
	r := New(rules, healthyPair(), "default")

	match := Query{SQL: "SELECT * FROM boards", Op: OpSelect, Role: "analytics"}
	if target := r.Route(match, Consistency{}); target.Pool != "analytics" {
		t.Errorf("matching query not routed by rule: %+v", target)
	}

	wrongRole := match
	wrongRole.Role = "api"
	if target := r.Route(wrongRole, Consistency{}); target.Pool != "default" {
		t.Errorf("role predicate ignored: %+v", target)
	}

	wrongSQL := match
	wrongSQL.SQL = "SELECT * FROM sessions"
	if target := r.Route(wrongSQL, Consistency{}); target.Pool != "default" {
		t.Errorf("pattern predicate ignored: %+v", target)
	}
}

func TestLagConstraintFallsBackToNextReplica(t *testing.T) {
	health := &fakeHealth{
		replicas: []ReplicaInfo{
			{Name: "replica-1", Lag: 12 * time.Second, Weight: 10},
			{Name: "replica-2", Lag: 3 * time.Second, Weight: 5},
		},
		active: map[string]bool{"replica-1": true, "replica-2": true},
	}
	rules := compile(t, config.RoutingRule{
		Priority:        10,
		TargetType:      "specific_replica",
		TargetReplica:   "replica-1",
		MaxLagTolerance: "10s",
		Pool:            "api",
	})
	r := New(rules, health, "api")

	target := r.Route(Query{SQL: "SELECT 1", Op: OpSelect}, Consistency{})
	if target.Replica != "replica-2" {
		t.Errorf("lagging replica not skipped: %+v", target)
	}
}

func TestMaxStalenessTightensConstraint(t *testing.T) {
	rules := compile(t, config.RoutingRule{
		Priority:        10,
		TargetType:      "specific_replica",
		TargetReplica:   "replica-2", // 4s lag
		MaxLagTolerance: "10s",
		Pool:            "api",
	})
	r := New(rules, healthyPair(), "api")

	// Caller demands 1s staleness; both replicas exceed it.
	target := r.Route(Query{SQL: "SELECT 1", Op: OpSelect}, Consistency{MaxStaleness: time.Second})
	if target.Source != SourcePrimary {
		t.Errorf("staleness bound violated: %+v", target)
	}

	// A 5s bound admits replica-2.
	target = r.Route(Query{SQL: "SELECT 1", Op: OpSelect}, Consistency{MaxStaleness: 5 * time.Second})
	if target.Replica != "replica-2" {
		t.Errorf("eligible replica skipped: %+v", target)
	}
}

func TestNoEligibleReplicaFallsBackToPrimary(t *testing.T) {
	health := &fakeHealth{
		replicas: []ReplicaInfo{{Name: "replica-1", Lag: time.Second, Weight: 10}},
		active:   map[string]bool{}, // nothing active
	}
	rules := compile(t, config.RoutingRule{
		Priority:      10,
		TargetType:    "specific_replica",
		TargetReplica: "replica-1",
		Pool:          "api",
	})
	r := New(rules, health, "api")

	target := r.Route(Query{SQL: "SELECT 1", Op: OpSelect}, Consistency{})
	if target.Source != SourcePrimary {
		t.Errorf("inactive replica selected: %+v", target)
	}
}

func TestFailoverReassignAndRestore(t *testing.T) {
	health := healthyPair()
	rules := compile(t, config.RoutingRule{
		Priority:      10,
		TargetType:    "specific_replica",
		TargetReplica: "replica-1",
		Pool:          "api",
	})
	r := New(rules, health, "api")

	q := Query{SQL: "SELECT 1", Op: OpSelect}
	if target := r.Route(q, Consistency{}); target.Replica != "replica-1" {
		t.Fatalf("precondition: expected replica-1, got %+v", target)
	}

	// replica-1 fails; rules move to the highest-weight survivor.
	health.active["replica-1"] = false
	if n := r.ReassignFrom("replica-1"); n != 1 {
		t.Errorf("ReassignFrom reassigned %d rules, want 1", n)
	}
	if target := r.Route(q, Consistency{}); target.Replica != "replica-2" {
		t.Errorf("failover did not move traffic: %+v", target)
	}

	// Recovery restores the configured target.
	health.active["replica-1"] = true
	if n := r.RestoreReplica("replica-1"); n != 1 {
		t.Errorf("RestoreReplica restored %d rules, want 1", n)
	}
	if target := r.Route(q, Consistency{}); target.Replica != "replica-1" {
		t.Errorf("recovery did not restore the configured replica: %+v", target)
	}
}

func TestFailoverWithNoSurvivorDegradesToPrimary(t *testing.T) {
	health := &fakeHealth{
		replicas: []ReplicaInfo{{Name: "replica-1", Lag: time.Second, Weight: 10}},
		active:   map[string]bool{},
	}
	rules := compile(t, config.RoutingRule{
		Priority:      10,
		TargetType:    "specific_replica",
		TargetReplica: "replica-1",
		Pool:          "api",
	})
	r := New(rules, health, "api")

	if n := r.ReassignFrom("replica-1"); n != 1 {
		t.Fatalf("ReassignFrom reassigned %d rules, want 1", n)
	}
	target := r.Route(Query{SQL: "SELECT 1", Op: OpSelect}, Consistency{})
	if target.Source != SourcePrimary {
		t.Errorf("degraded rule did not route to primary: %+v", target)
	}
}

func TestDegradedRuleAdoptsAnyRecoveredReplica(t *testing.T) {
	health := &fakeHealth{
		replicas: []ReplicaInfo{
			{Name: "replica-1", Lag: time.Second, Weight: 10},
			{Name: "replica-2", Lag: time.Second, Weight: 5},
		},
		active: map[string]bool{},
	}
	rules := compile(t, config.RoutingRule{
		Priority:      10,
		TargetType:    "specific_replica",
		TargetReplica: "replica-1",
		Pool:          "api",
	})
	r := New(rules, health, "api")

	// No survivors: the rule degrades to primary.
	if n := r.ReassignFrom("replica-1"); n != 1 {
		t.Fatalf("ReassignFrom reassigned %d rules, want 1", n)
	}

	// A different replica coming back must unpin the rule from primary.
	health.active["replica-2"] = true
	if n := r.RestoreReplica("replica-2"); n != 1 {
		t.Errorf("RestoreReplica moved %d rules, want 1", n)
	}
	q := Query{SQL: "SELECT 1", Op: OpSelect}
	if target := r.Route(q, Consistency{}); target.Replica != "replica-2" {
		t.Errorf("degraded rule stayed on primary after recovery: %+v", target)
	}

	// The configured replica recovering restores the original target.
	health.active["replica-1"] = true
	if n := r.RestoreReplica("replica-1"); n != 1 {
		t.Errorf("RestoreReplica restored %d rules, want 1", n)
	}
	if target := r.Route(q, Consistency{}); target.Replica != "replica-1" {
		t.Errorf("configured replica not restored: %+v", target)
	}
}

func TestReloadSwapsRules(t *testing.T) {
	r := New(compile(t, config.RoutingRule{
		Priority:   10,
		TargetType: "primary",
		Pool:       "old",
	}), healthyPair(), "default")

	r.Reload(compile(t, config.RoutingRule{
		Priority:   10,
		TargetType: "primary",
		Pool:       "new",
	}))

	target := r.Route(Query{SQL: "SELECT 1", Op: OpSelect}, Consistency{})
	if target.Pool != "new" {
		t.Errorf("reload not applied: %+v", target)
	}
}

func TestParseOperation(t *testing.T) {
	if op, err := ParseOperation("SELECT"); err != nil || op != OpSelect {
		t.Errorf("ParseOperation(SELECT) = %v, %v", op, err)
	}
	if _, err := ParseOperation("truncate"); err == nil {
		t.Error("expected error for unknown operation")
	}
	if !OpUpdate.IsWrite() || OpSelect.IsWrite() {
		t.Error("IsWrite misclassified operations")
	}
}
