package controller

import (
	"strconv"
	"strings"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/internal/journal"
)

// replayRecordLocked applies one journal record to the (still being
// reconstructed) in-memory fleet state. Each branch mirrors the pure
// half of the operation that produced the record — no launcher or
// workspace I/O runs here, since the processes and working trees
// behind a crashed controller's instances aren't necessarily still
// there to re-acquire. A restored instance's LastHeartbeat keeps its
// pre-crash value, so the classifyHealthLocked pass Restore runs
// immediately after Replay decides, against the real clock, whether it
// is still live — which is how P6's "owning instance no longer live"
// tasks end up back in pending. Caller must hold c.mu (Restore holds
// it for the whole replay).
func (c *Controller) replayRecordLocked(rec journal.Record) error {
	switch rec.Label {
	case "launch":
		c.replayLaunch(rec)
	case "terminate-force":
		c.replayTerminateForce(rec)
	case "terminate-graceful":
		c.replayTerminateGraceful(rec)
	case "submit":
		c.replaySubmit(rec)
	case "cancel":
		c.replayCancel(rec)
	case "heartbeat":
		c.replayHeartbeat(rec)
	case "complete":
		c.replayComplete(rec)
	case "assign":
		c.replayAssign(rec)
	case "deadline-expire":
		c.replayDeadlineExpire(rec)
	case "lose-instance":
		c.replayLoseInstance(rec)
	case "reconcile":
		// A checkpoint digest only; every structural mutation a
		// reconciliation tick makes is journaled under its own label
		// (assign, deadline-expire, lose-instance) alongside it.
	}
	return nil
}

func (c *Controller) replayLaunch(rec journal.Record) {
	if rec.Action == nil || rec.Fields == nil {
		return
	}
	id := rec.Fields["instance-id"]
	if id == "" {
		return
	}
	var capabilities []string
	if raw := rec.Action.Flags["capability"]; raw != "" {
		capabilities = strings.Split(raw, ",")
	}
	c.instances[id] = &fleet.Instance{
		ID:            id,
		Capabilities:  capabilities,
		Tags:          fleet.Tags{Color: rec.Action.Flags["tag-color"], Branch: rec.Action.Flags["tag-branch"]},
		State:         fleet.InstanceStarting,
		WorkspaceID:   rec.Fields["workspace-id"],
		CreatedAt:     rec.Timestamp,
		LastHeartbeat: rec.Timestamp,
	}
}

func (c *Controller) replayTerminateForce(rec journal.Record) {
	inst := c.instances[rec.Fields["instance-id"]]
	if inst == nil {
		return
	}
	c.forceTerminateStateLocked(inst)
}

func (c *Controller) replayTerminateGraceful(rec journal.Record) {
	inst := c.instances[rec.Fields["instance-id"]]
	if inst == nil {
		return
	}
	inst.State = fleet.InstanceDraining
	inst.GracefulDeadline = rec.Timestamp.Add(c.cfg.TerminateGrace)
}

func (c *Controller) replaySubmit(rec journal.Record) {
	if rec.Action == nil {
		return
	}
	id := rec.Fields["task-id"]
	if id == "" {
		return
	}
	maxAttempts := c.cfg.TaskDefaultMaxAttempts
	if raw, ok := rec.Action.Flags["max-attempts"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			maxAttempts = n
		}
	}
	var caps []string
	if raw := rec.Action.Flags["capability"]; raw != "" {
		caps = strings.Split(raw, ",")
	}
	task := &fleet.Task{
		ID:                   id,
		Kind:                 rec.Action.Flags["kind"],
		Payload:              rec.Action.Flags["payload"],
		RequiredCapabilities: caps,
		MaxAttempts:          maxAttempts,
		State:                fleet.TaskPending,
		CreatedAt:            rec.Timestamp,
		UpdatedAt:            rec.Timestamp,
	}
	if raw, ok := rec.Action.Flags["deadline"]; ok && raw != "" {
		if d, err := parseDeadline(raw, rec.Timestamp); err == nil {
			task.Deadline = d
		}
	}
	c.tasks[id] = task
}

func (c *Controller) replayCancel(rec journal.Record) {
	task := c.tasks[rec.Fields["task-id"]]
	if task == nil || task.State.Terminal() {
		return
	}
	if task.State == fleet.TaskPending {
		c.finishTaskLocked(task, fleet.TaskCancelled, "cancelled by caller")
		return
	}
	task.State = fleet.TaskCancelling
	task.CancelRequestedAt = rec.Timestamp
	task.UpdatedAt = rec.Timestamp
}

func (c *Controller) replayHeartbeat(rec journal.Record) {
	inst := c.instances[rec.Fields["instance-id"]]
	if inst == nil || rec.Action == nil {
		return
	}
	wasStarting := inst.State == fleet.InstanceStarting
	inst.LastHeartbeat = rec.Timestamp
	if raw, ok := rec.Action.Flags["load"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			inst.ObservedLoad = n
		}
	}
	inst.LastProgress = rec.Action.Flags["progress"]
	if wasStarting {
		inst.State = fleet.InstanceHealthy
	}
}

func (c *Controller) replayComplete(rec journal.Record) {
	task := c.tasks[rec.Fields["task-id"]]
	if task == nil || task.State.Terminal() || rec.Action == nil {
		return
	}
	success := rec.Action.Flags["result"] == "success" || (rec.Action.Flags["result"] == "" && rec.Action.Flags["error"] == "")
	errMsg := rec.Action.Flags["error"]
	instanceID := task.OwnerID

	if success {
		c.finishTaskLocked(task, fleet.TaskCompleted, "")
		return
	}
	if task.AttemptsMade >= task.MaxAttempts {
		c.finishTaskLocked(task, fleet.TaskFailed, errMsg)
		return
	}
	task.State = fleet.TaskPending
	task.OwnerID = ""
	task.FailureReason = errMsg
	task.UpdatedAt = rec.Timestamp
	if inst, ok := c.instances[instanceID]; ok {
		inst.CurrentLoad--
	}
}

func (c *Controller) replayAssign(rec journal.Record) {
	task := c.tasks[rec.Fields["task-id"]]
	inst := c.instances[rec.Fields["instance-id"]]
	if task == nil || inst == nil {
		return
	}
	task.State = fleet.TaskAssigned
	task.OwnerID = inst.ID
	task.AttemptsMade++
	task.UpdatedAt = rec.Timestamp
	inst.CurrentLoad++
	inst.LastAssignedAt = rec.Timestamp
}

func (c *Controller) replayDeadlineExpire(rec journal.Record) {
	task := c.tasks[rec.Fields["task-id"]]
	if task == nil || task.State.Terminal() {
		return
	}
	c.finishTaskLocked(task, fleet.TaskFailed, "deadline expired before assignment")
}

func (c *Controller) replayLoseInstance(rec journal.Record) {
	inst := c.instances[rec.Fields["instance-id"]]
	if inst == nil {
		return
	}
	c.loseInstanceStateLocked(inst)
}
