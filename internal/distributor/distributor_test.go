package distributor

import (
	"testing"
	"time"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/pkg/clock"
	"github.com/stretchr/testify/require"
)

func newDistributor() (*Distributor, *clock.Fake) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := New(Config{PerInstanceCap: 4, FailureWindow: time.Hour}, fc)
	return d, fc
}

func healthyInstance(id string, load int, caps ...string) *fleet.Instance {
	return &fleet.Instance{
		ID:           id,
		State:        fleet.InstanceHealthy,
		CurrentLoad:  load,
		Capabilities: caps,
	}
}

func TestAssignPrefersLowestLoad(t *testing.T) {
	d, _ := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build"}
	instances := []*fleet.Instance{
		healthyInstance("b", 3),
		healthyInstance("a", 1),
		healthyInstance("c", 2),
	}

	decision := d.Assign(task, instances)
	require.Equal(t, Assigned, decision.Outcome)
	require.Equal(t, "a", decision.InstanceID)
}

func TestAssignFiltersByCapability(t *testing.T) {
	d, _ := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build", RequiredCapabilities: []string{"gpu"}}
	instances := []*fleet.Instance{
		healthyInstance("no-gpu", 0),
		healthyInstance("has-gpu", 0, "gpu"),
	}

	decision := d.Assign(task, instances)
	require.Equal(t, Assigned, decision.Outcome)
	require.Equal(t, "has-gpu", decision.InstanceID)
}

func TestAssignFiltersDegradedAndDraining(t *testing.T) {
	d, _ := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build"}
	instances := []*fleet.Instance{
		{ID: "degraded", State: fleet.InstanceDegraded},
		{ID: "draining", State: fleet.InstanceDraining},
	}

	decision := d.Assign(task, instances)
	require.Equal(t, NoEligibleInstance, decision.Outcome)
}

func TestAssignFiltersAtCapacity(t *testing.T) {
	d, _ := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build"}
	instances := []*fleet.Instance{
		healthyInstance("full", 4),
	}

	decision := d.Assign(task, instances)
	require.Equal(t, NoEligibleInstance, decision.Outcome)
}

func TestAssignNoEligibleRecordsUnmetCapability(t *testing.T) {
	d, _ := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build", RequiredCapabilities: []string{"gpu"}}
	instances := []*fleet.Instance{
		healthyInstance("no-gpu", 0),
	}

	decision := d.Assign(task, instances)
	require.Equal(t, Unsatisfiable, decision.Outcome)
	require.Equal(t, []string{"gpu"}, decision.UnmetCapability)
}

func TestAssignUnsatisfiableWhenNoInstanceDeclaresCapability(t *testing.T) {
	d, _ := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build", RequiredCapabilities: []string{"gpu"}}
	instances := []*fleet.Instance{
		{ID: "degraded", State: fleet.InstanceDegraded, Capabilities: []string{"cpu"}},
	}

	decision := d.Assign(task, instances)
	require.Equal(t, Unsatisfiable, decision.Outcome)
	require.Equal(t, []string{"gpu"}, decision.UnmetCapability)
}

func TestAssignNoEligibleWhenCapabilityDeclaredButUnhealthy(t *testing.T) {
	d, _ := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build", RequiredCapabilities: []string{"gpu"}}
	instances := []*fleet.Instance{
		{ID: "degraded", State: fleet.InstanceDegraded, Capabilities: []string{"gpu"}},
	}

	decision := d.Assign(task, instances)
	require.Equal(t, NoEligibleInstance, decision.Outcome)
}

func TestAssignDeadlineExpired(t *testing.T) {
	d, fc := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build", Deadline: fc.Now().Add(-time.Minute)}
	instances := []*fleet.Instance{healthyInstance("a", 0)}

	decision := d.Assign(task, instances)
	require.Equal(t, DeadlineExpired, decision.Outcome)
}

func TestScoreTieBreakCapabilitySpecificity(t *testing.T) {
	d, _ := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build", RequiredCapabilities: []string{"gpu"}}
	instances := []*fleet.Instance{
		healthyInstance("generalist", 0, "gpu", "cpu", "net"),
		healthyInstance("specialist", 0, "gpu"),
	}

	decision := d.Assign(task, instances)
	require.Equal(t, Assigned, decision.Outcome)
	require.Equal(t, "specialist", decision.InstanceID)
}

func TestScoreTieBreakFailureRate(t *testing.T) {
	d, _ := newDistributor()
	d.RecordOutcome("flaky", "build", true)
	task := &fleet.Task{ID: "t-1", Kind: "build"}
	instances := []*fleet.Instance{
		healthyInstance("flaky", 0),
		healthyInstance("reliable", 0),
	}

	decision := d.Assign(task, instances)
	require.Equal(t, Assigned, decision.Outcome)
	require.Equal(t, "reliable", decision.InstanceID)
}

func TestScoreTieBreakOldestLastAssigned(t *testing.T) {
	d, fc := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build"}
	older := healthyInstance("older", 0)
	older.LastAssignedAt = fc.Now().Add(-time.Hour)
	newer := healthyInstance("newer", 0)
	newer.LastAssignedAt = fc.Now()
	instances := []*fleet.Instance{newer, older}

	decision := d.Assign(task, instances)
	require.Equal(t, Assigned, decision.Outcome)
	require.Equal(t, "older", decision.InstanceID)
}

func TestScoreTieBreakInstanceID(t *testing.T) {
	d, _ := newDistributor()
	task := &fleet.Task{ID: "t-1", Kind: "build"}
	instances := []*fleet.Instance{
		healthyInstance("zeta", 0),
		healthyInstance("alpha", 0),
	}

	decision := d.Assign(task, instances)
	require.Equal(t, Assigned, decision.Outcome)
	require.Equal(t, "alpha", decision.InstanceID)
}

func TestReassignableRespectsMaxAttempts(t *testing.T) {
	exhausted := &fleet.Task{AttemptsMade: 3, MaxAttempts: 3}
	require.False(t, Reassignable(exhausted))

	fresh := &fleet.Task{AttemptsMade: 1, MaxAttempts: 3}
	require.True(t, Reassignable(fresh))
}

func TestFailureTrackerRateExpiresOldEntries(t *testing.T) {
	tracker := NewFailureTracker(time.Minute)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tracker.Record("a", "build", true, start)
	require.Equal(t, 1.0, tracker.Rate("a", "build", start))

	later := start.Add(2 * time.Minute)
	require.Equal(t, 0.0, tracker.Rate("a", "build", later))
}

func TestFailureTrackerZeroDenominatorIsZero(t *testing.T) {
	tracker := NewFailureTracker(time.Hour)
	require.Equal(t, 0.0, tracker.Rate("unknown", "build", time.Now()))
}
