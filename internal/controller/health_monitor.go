package controller

import (
	"context"
	"sync"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/internal/health"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
)

// ProbeFactory builds the readiness probe for a given instance, letting
// each launch declare its own health.Checker (HTTP/TCP/exec) the way
// the teacher's container health checks were declared per service.
// A nil factory means instance health is judged on heartbeat freshness
// alone (see reconcile.go's classifyHealthLocked).
type ProbeFactory func(inst *fleet.Instance) health.Checker

// SetProbeFactory wires an active readiness probe into the
// reconciliation loop. Must be called before Start.
func (c *Controller) SetProbeFactory(factory ProbeFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = factory
}

// probeJob is one instance's readiness check, already claimed from
// probesInFlight so a slow check can't be dispatched twice across
// overlapping reconciliation cycles.
type probeJob struct {
	instanceID string
	checker    health.Checker
}

// snapshotProbesLocked reads the instance map and the configured probe
// factory to build this cycle's probe jobs. It does no I/O itself —
// only checker.Check, run later outside the fleet lock, talks to the
// network. Caller must hold c.mu.
func (c *Controller) snapshotProbesLocked() []probeJob {
	if c.probes == nil {
		return nil
	}
	jobs := make([]probeJob, 0, len(c.instances))
	for _, inst := range c.instances {
		if inst.State == fleet.InstanceTerminated || inst.State == fleet.InstanceTerminating {
			continue
		}
		if c.probesInFlight[inst.ID] {
			continue
		}
		checker := c.probes(inst)
		if checker == nil {
			continue
		}
		c.probesInFlight[inst.ID] = true
		jobs = append(jobs, probeJob{instanceID: inst.ID, checker: checker})
	}
	return jobs
}

// runProbes executes every job's checker concurrently, with none of
// them holding the fleet lock: spec §5 requires that "a single stuck
// dependency cannot starve unrelated work," and a readiness probe
// making a real network call is exactly that dependency. tick still
// waits for the whole batch via the WaitGroup before its next cycle,
// but no other Dispatch call is blocked while a probe is in flight.
func (c *Controller) runProbes(ctx context.Context, jobs []probeJob) {
	if len(jobs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job probeJob) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthProbeDeadline)
			result := job.checker.Check(probeCtx)
			cancel()
			c.applyProbeResult(job.instanceID, job.checker.Type(), result)
		}(job)
	}
	wg.Wait()
}

// applyProbeResult folds one probe's outcome back into fleet state. A
// streak past health.max-consecutive-failure loses the instance even
// if its heartbeats are still arriving on time. Unlike the
// heartbeat-staleness losses classifyHealthLocked drives directly, a
// probe-failure streak isn't recoverable from a timestamp alone on
// replay, so this path journals its own "lose-instance" record before
// mutating state.
func (c *Controller) applyProbeResult(instanceID string, checkType health.CheckType, result health.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.probesInFlight, instanceID)

	inst, ok := c.instances[instanceID]
	if !ok || inst.State == fleet.InstanceTerminated || inst.State == fleet.InstanceTerminating {
		return
	}
	if result.Healthy {
		inst.ConsecutiveProbeFailures = 0
		return
	}

	inst.ConsecutiveProbeFailures++
	metrics.ProbeFailuresTotal.WithLabelValues(string(checkType)).Inc()
	if inst.ConsecutiveProbeFailures < c.cfg.HealthMaxConsecutiveFailure {
		return
	}

	pre := c.digestLocked()
	workspaceID := c.loseInstanceStateLocked(inst)
	c.appendJournal("lose-instance", nil, map[string]string{"instance-id": instanceID, "reason": "probe-failure"}, pre)
	if workspaceID != "" {
		if err := c.workspaces.Release(context.Background(), workspaceID, c.releaseModeFor(true)); err != nil {
			log.WithInstanceID(c.logger, instanceID).Warn().Err(err).Msg("workspace release failed after probe-triggered loss")
		} else {
			c.publish(fleet.EventWorkspaceReleased, workspaceID, nil)
		}
	}
}
