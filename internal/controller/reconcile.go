package controller

import (
	"context"

	"github.com/cuemby/foreman/internal/distributor"
	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/pkg/clock"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
)

// Start launches the reconciliation loop in a background goroutine,
// ticking at cfg.ReconcileInterval until ctx is cancelled or Close is
// called. Grounded on the teacher's scheduler run-loop shape: a single
// goroutine selecting on a ticker and a stop channel.
func (c *Controller) Start(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.ReconcileInterval)
	go c.run(ctx, ticker)
}

func (c *Controller) run(ctx context.Context, ticker clock.Ticker) {
	defer close(c.doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C():
			c.tick(ctx)
		}
	}
}

// tick runs one reconciliation cycle: assign pending tasks, classify
// instance health, force-complete draining instances and cancelling
// tasks past their grace periods. Matches spec §4.1's "drain queue,
// apply atomically, invoke collaborators, emit events, persist" shape.
//
// Readiness probes are the one step whose I/O must not run inside the
// fleet lock (spec §5: "a single stuck dependency cannot starve
// unrelated work") — snapshotProbesLocked only reads the instance map,
// and the actual checker.Check calls run in goroutines after c.mu is
// released. tick still waits for them (runProbes blocks on a
// WaitGroup) so one reconciliation cycle's probes are folded in before
// the next ticks fires, but no other Dispatch call is blocked while a
// probe is in flight.
func (c *Controller) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	defer metrics.ReconciliationCyclesTotal.Inc()

	c.mu.Lock()
	pre := c.digestLocked()

	c.assignPendingLocked()
	c.classifyHealthLocked()
	jobs := c.snapshotProbesLocked()
	c.enforceDrainDeadlinesLocked(ctx)
	c.enforceCancelDeadlinesLocked()
	c.reportGaugesLocked()

	c.appendJournal("reconcile", nil, nil, pre)
	c.mu.Unlock()

	c.runProbes(ctx, jobs)
}

// assignPendingLocked feeds every pending task through the distributor
// against the current instance snapshot, committing whatever decision
// comes back. Assigned and DeadlineExpired both mutate fields a replay
// can't re-derive from a timestamp check alone (attempts-made, terminal
// task state), so each gets its own journal record rather than relying
// on the tick's single blanket "reconcile" entry. Caller must hold c.mu.
func (c *Controller) assignPendingLocked() {
	instances := make([]*fleet.Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		instances = append(instances, inst)
	}

	for _, task := range c.tasks {
		if task.State != fleet.TaskPending {
			continue
		}

		decision := c.distributor.Assign(task, instances)
		switch decision.Outcome {
		case distributor.Assigned:
			inst, ok := c.instances[decision.InstanceID]
			if !ok {
				continue
			}
			pre := c.digestLocked()
			task.State = fleet.TaskAssigned
			task.OwnerID = inst.ID
			task.AttemptsMade++
			task.UpdatedAt = c.clock.Now()
			inst.CurrentLoad++
			inst.LastAssignedAt = c.clock.Now()
			c.appendJournal("assign", nil, map[string]string{"task-id": task.ID, "instance-id": inst.ID}, pre)
			c.publish(fleet.EventTaskAssigned, task.ID, map[string]string{"instance-id": inst.ID})
		case distributor.Unsatisfiable:
			c.publish(fleet.EventTaskUnsatisfiable, task.ID, map[string]string{
				"unmet-capability": joinComma(decision.UnmetCapability),
			})
		case distributor.NoEligibleInstance:
			c.publish(fleet.EventTaskNoEligibleInstance, task.ID, nil)
		case distributor.DeadlineExpired:
			pre := c.digestLocked()
			c.finishTaskLocked(task, fleet.TaskFailed, "deadline expired before assignment")
			c.appendJournal("deadline-expire", nil, map[string]string{"task-id": task.ID}, pre)
			c.publish(fleet.EventTaskFailed, task.ID, map[string]string{"reason": "deadline-expired"})
		}
	}
}

// classifyHealthLocked applies the §4.4 heartbeat-freshness state
// machine: healthy while within fresh-window, degraded once stale,
// lost (and its tasks reassigned) once stale beyond stale-window.
// Caller must hold c.mu.
func (c *Controller) classifyHealthLocked() {
	now := c.clock.Now()
	for _, inst := range c.instances {
		switch inst.State {
		case fleet.InstanceHealthy:
			age := now.Sub(inst.LastHeartbeat)
			if age > c.cfg.HealthStaleWindow {
				c.loseInstanceLocked(inst)
			} else if age > c.cfg.HealthFreshWindow {
				inst.State = fleet.InstanceDegraded
				inst.DegradedSince = now
				metrics.HealthTransitionsTotal.WithLabelValues(string(fleet.InstanceHealthy), string(fleet.InstanceDegraded)).Inc()
				c.publish(fleet.EventInstanceStateChanged, inst.ID, map[string]string{"state": string(fleet.InstanceDegraded)})
			}
		case fleet.InstanceDegraded:
			age := now.Sub(inst.LastHeartbeat)
			if age > c.cfg.HealthStaleWindow {
				c.loseInstanceLocked(inst)
				continue
			}
			if age <= c.cfg.HealthFreshWindow {
				if now.Sub(inst.DegradedSince) >= c.cfg.HealthRecoveryGrace {
					inst.State = fleet.InstanceHealthy
					metrics.HealthTransitionsTotal.WithLabelValues(string(fleet.InstanceDegraded), string(fleet.InstanceHealthy)).Inc()
					c.publish(fleet.EventInstanceStateChanged, inst.ID, map[string]string{"state": string(fleet.InstanceHealthy)})
				}
				continue
			}
			// Still stale (never recovered to fresh) and still degraded:
			// without this, a flapping or dead instance that never quite
			// crosses the stale-window threshold would sit in degraded
			// forever. Past the same recovery-grace window used to judge
			// recovery, give up on it the way a heartbeat gone fully stale
			// already is.
			if now.Sub(inst.DegradedSince) >= c.cfg.HealthRecoveryGrace {
				c.loseInstanceLocked(inst)
			}
		}
	}
}

// loseInstanceLocked marks inst terminated, reassigns its owned tasks
// back to pending when they still have attempts remaining (failing
// them otherwise), and releases its workspace. Caller must hold c.mu.
//
// Every call site here (stale heartbeat, degraded-past-recovery-grace)
// is driven purely by timestamps already stored on inst, so Restore's
// post-replay classifyHealthLocked pass re-derives the same outcome
// without needing an explicit journal record (spec §8 P6). A trigger
// that ISN'T timestamp-derivable — e.g. consecutive probe failures —
// must journal its own "lose-instance" record before calling this; see
// health_monitor.go's applyProbeResult.
func (c *Controller) loseInstanceLocked(inst *fleet.Instance) {
	workspaceID := c.loseInstanceStateLocked(inst)

	if workspaceID != "" {
		if err := c.workspaces.Release(context.Background(), workspaceID, c.releaseModeFor(true)); err != nil {
			log.WithInstanceID(c.logger, inst.ID).Warn().Err(err).Msg("workspace release failed after instance loss")
		} else {
			c.publish(fleet.EventWorkspaceReleased, workspaceID, nil)
		}
	}
}

// loseInstanceStateLocked applies the in-memory half of losing an
// instance — reassigning or failing its owned tasks and marking it
// terminated — with no collaborator I/O, so a journaled "lose-instance"
// record can be replayed without re-invoking the workspace manager.
// Caller must hold c.mu. Returns the workspace id to release, if any.
func (c *Controller) loseInstanceStateLocked(inst *fleet.Instance) (workspaceID string) {
	metrics.HealthTransitionsTotal.WithLabelValues(string(inst.State), string(fleet.InstanceTerminated)).Inc()
	inst.State = fleet.InstanceTerminated
	c.publish(fleet.EventInstanceLost, inst.ID, nil)

	if handle, ok := c.handles[inst.ID]; ok {
		delete(c.handles, inst.ID)
		_ = handle // the process behind a lost instance is presumed gone; no Stop call needed
	}

	for _, task := range c.tasks {
		if task.OwnerID != inst.ID || task.State.Terminal() {
			continue
		}
		if distributor.Reassignable(task) {
			task.State = fleet.TaskPending
			task.OwnerID = ""
			task.UpdatedAt = c.clock.Now()
			inst.CurrentLoad--
		} else {
			c.finishTaskLocked(task, fleet.TaskFailed, "owning instance lost, attempts exhausted")
			c.publish(fleet.EventTaskFailed, task.ID, map[string]string{"reason": "instance-lost"})
		}
	}

	return inst.WorkspaceID
}

// enforceDrainDeadlinesLocked force-terminates draining instances that
// have either shed all owned tasks or outrun their graceful deadline.
// Caller must hold c.mu.
func (c *Controller) enforceDrainDeadlinesLocked(ctx context.Context) {
	now := c.clock.Now()
	for _, inst := range c.instances {
		if inst.State != fleet.InstanceDraining {
			continue
		}
		if c.ownedTaskCountLocked(inst.ID) == 0 || now.After(inst.GracefulDeadline) {
			c.forceTerminateLocked(ctx, inst)
			c.publish(fleet.EventInstanceStateChanged, inst.ID, map[string]string{"state": string(fleet.InstanceTerminated)})
		}
	}
}

func (c *Controller) ownedTaskCountLocked(instanceID string) int {
	n := 0
	for _, task := range c.tasks {
		if task.OwnerID == instanceID && !task.State.Terminal() {
			n++
		}
	}
	return n
}

// enforceCancelDeadlinesLocked forces cancelling tasks to the terminal
// cancelled state once cancel-grace has elapsed without the owning
// instance acknowledging completion. Caller must hold c.mu.
func (c *Controller) enforceCancelDeadlinesLocked() {
	now := c.clock.Now()
	for _, task := range c.tasks {
		if task.State != fleet.TaskCancelling {
			continue
		}
		if now.Sub(task.CancelRequestedAt) >= c.cfg.CancelGrace {
			c.finishTaskLocked(task, fleet.TaskCancelled, "cancel grace expired")
			c.publish(fleet.EventCancelled, task.ID, map[string]string{"state": string(fleet.TaskCancelled)})
		}
	}
}

// reportGaugesLocked refreshes the instances/tasks gauges from the
// current fleet snapshot (the workspaces gauge is sampled by
// pkg/metrics.Collector). Caller must hold c.mu.
func (c *Controller) reportGaugesLocked() {
	instanceCounts := make(map[fleet.InstanceState]int)
	for _, inst := range c.instances {
		instanceCounts[inst.State]++
	}
	for _, state := range []fleet.InstanceState{
		fleet.InstanceStarting, fleet.InstanceHealthy, fleet.InstanceDegraded,
		fleet.InstanceDraining, fleet.InstanceTerminating, fleet.InstanceTerminated,
	} {
		metrics.InstancesTotal.WithLabelValues(string(state)).Set(float64(instanceCounts[state]))
	}

	taskCounts := make(map[fleet.TaskState]int)
	for _, task := range c.tasks {
		taskCounts[task.State]++
	}
	for _, state := range []fleet.TaskState{
		fleet.TaskPending, fleet.TaskAssigned, fleet.TaskRunning,
		fleet.TaskCancelling, fleet.TaskCompleted, fleet.TaskFailed, fleet.TaskCancelled,
	} {
		metrics.TasksTotal.WithLabelValues(string(state)).Set(float64(taskCounts[state]))
	}
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
