// Package distributor implements the task distributor (spec §4.2):
// deciding which eligible instance receives a pending task. It holds no
// fleet state of its own — the controller passes it a snapshot of
// instances on every tick and commits whatever decision comes back.
package distributor

import (
	"sort"
	"time"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/pkg/clock"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/rs/zerolog"
)

// Outcome classifies the result of an assignment attempt.
type Outcome string

const (
	// Assigned means InstanceID names the chosen instance.
	Assigned Outcome = "assigned"
	// NoEligibleInstance means no currently eligible instance exists;
	// the task stays pending and should be retried on the next tick.
	NoEligibleInstance Outcome = "no-eligible-instance"
	// Unsatisfiable means no instance, eligible or not, declares the
	// task's required capabilities.
	Unsatisfiable Outcome = "unsatisfiable"
	// DeadlineExpired means the task's deadline has already passed.
	DeadlineExpired Outcome = "deadline-expired"
)

// Decision is the distributor's verdict for one task.
type Decision struct {
	Outcome         Outcome
	InstanceID      string   // set only when Outcome == Assigned
	UnmetCapability []string // set only when Outcome == NoEligibleInstance or Unsatisfiable
}

// Config holds the distributor's tunables.
type Config struct {
	// PerInstanceCap is the maximum current-load an instance may carry
	// and still be eligible for a new assignment.
	PerInstanceCap int
	// FailureWindow bounds how far back FailureTracker looks when
	// computing an instance's recent failure rate for a task kind.
	FailureWindow time.Duration
}

// Distributor implements the §4.2 eligibility filter and scoring ladder.
type Distributor struct {
	cfg      Config
	clock    clock.Clock
	logger   zerolog.Logger
	failures *FailureTracker
}

// New constructs a Distributor.
func New(cfg Config, clk clock.Clock) *Distributor {
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Hour
	}
	return &Distributor{
		cfg:      cfg,
		clock:    clk,
		logger:   log.WithComponent("distributor"),
		failures: NewFailureTracker(cfg.FailureWindow),
	}
}

// RecordOutcome feeds a completed or failed task's result into the
// failure tracker used for the recent-failure-rate tie-break.
func (d *Distributor) RecordOutcome(instanceID, kind string, failed bool) {
	d.failures.Record(instanceID, kind, failed, d.clock.Now())
}

// Assign picks the best eligible instance for task among instances,
// which must include instances in every state — the eligibility filter
// does its own state check, and the full set is needed to classify
// Unsatisfiable accurately.
func (d *Distributor) Assign(task *fleet.Task, instances []*fleet.Instance) Decision {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	if task.HasDeadline() && d.clock.Now().After(task.Deadline) {
		return Decision{Outcome: DeadlineExpired}
	}

	eligible := make([]*fleet.Instance, 0, len(instances))
	for _, inst := range instances {
		if d.eligible(task, inst) {
			eligible = append(eligible, inst)
		}
	}

	if len(eligible) == 0 {
		metrics.TasksUnassignable.Inc()
		unmet := d.unmetCapabilities(task, instances)
		if len(unmet) > 0 {
			d.logger.Debug().Str("task_id", task.ID).Strs("unmet", unmet).Msg("no instance declares required capabilities")
			return Decision{Outcome: Unsatisfiable, UnmetCapability: unmet}
		}
		return Decision{Outcome: NoEligibleInstance, UnmetCapability: task.RequiredCapabilities}
	}

	chosen := d.score(task, eligible)
	metrics.TasksAssigned.Inc()
	d.logger.Debug().Str("task_id", task.ID).Str("instance_id", chosen.ID).Msg("assigned task")
	return Decision{Outcome: Assigned, InstanceID: chosen.ID}
}

// eligible applies the §4.2 eligibility filter.
func (d *Distributor) eligible(task *fleet.Task, inst *fleet.Instance) bool {
	if inst.State != fleet.InstanceHealthy {
		return false
	}
	if inst.CurrentLoad >= d.cfg.PerInstanceCap {
		return false
	}
	return hasAll(inst.Capabilities, task.RequiredCapabilities)
}

// unmetCapabilities reports which of task's required capabilities no
// instance, in any state, currently declares. A task is only
// Unsatisfiable once this set is non-empty; if every capability is
// declared by at least one instance somewhere, the task is merely
// NoEligibleInstance and should keep retrying.
func (d *Distributor) unmetCapabilities(task *fleet.Task, instances []*fleet.Instance) []string {
	if !task.RequiresCapabilities() {
		return nil
	}
	declared := make(map[string]bool)
	for _, inst := range instances {
		for _, c := range inst.Capabilities {
			declared[c] = true
		}
	}
	var unmet []string
	for _, c := range task.RequiredCapabilities {
		if !declared[c] {
			unmet = append(unmet, c)
		}
	}
	return unmet
}

// score applies the four-level tie-break ladder to the eligible set and
// returns the winner. eligible must be non-empty.
func (d *Distributor) score(task *fleet.Task, eligible []*fleet.Instance) *fleet.Instance {
	now := d.clock.Now()
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]

		if a.CurrentLoad != b.CurrentLoad {
			return a.CurrentLoad < b.CurrentLoad
		}

		as, bs := specificity(a, task), specificity(b, task)
		if as != bs {
			return as < bs
		}

		ar := d.failures.Rate(a.ID, task.Kind, now)
		br := d.failures.Rate(b.ID, task.Kind, now)
		if ar != br {
			return ar < br
		}

		if !a.LastAssignedAt.Equal(b.LastAssignedAt) {
			return a.LastAssignedAt.Before(b.LastAssignedAt)
		}

		return a.ID < b.ID
	})
	return eligible[0]
}

// specificity scores how tightly inst's capability set matches task's
// required set: the count of capabilities inst declares beyond what
// the task needs. Lower is more specific (fewer spare capabilities to
// keep generalist instances free for other work).
func specificity(inst *fleet.Instance, task *fleet.Task) int {
	required := make(map[string]bool, len(task.RequiredCapabilities))
	for _, c := range task.RequiredCapabilities {
		required[c] = true
	}
	extra := 0
	for _, c := range inst.Capabilities {
		if !required[c] {
			extra++
		}
	}
	return extra
}

// hasAll reports whether every element of required is present in have.
func hasAll(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range required {
		if !set[c] {
			return false
		}
	}
	return true
}

// Reassignable implements the §4.2 instance-loss check: it reports
// whether a task owned by a lost instance may go back to pending,
// i.e. whether it has attempts remaining. The caller performs the
// reset; attempts-made is incremented by the caller only at actual
// re-dispatch time, never here, so a controller restart replaying the
// same loss event can't inflate the counter.
func Reassignable(task *fleet.Task) bool {
	return task.AttemptsMade < task.MaxAttempts
}
