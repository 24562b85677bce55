package controller

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/internal/launcher"
	"github.com/cuemby/foreman/internal/workspace"
	"github.com/cuemby/foreman/pkg/log"
)

// handleLaunch implements launch(capabilities, tags, source-ref).
func (c *Controller) handleLaunch(ctx context.Context, action *fleet.Action) *fleet.Result {
	sourceRef := action.Flags["source-ref"]
	if sourceRef == "" {
		return errResult(fleet.NewError(fleet.ErrInvalidArgument, "launch requires --source-ref"))
	}
	isolation := fleet.IsoMode(action.Flags["isolation"])
	if isolation == "" {
		isolation = c.cfg.WorkspaceIsolation
	}
	var capabilities []string
	if raw := action.Flags["capability"]; raw != "" {
		capabilities = strings.Split(raw, ",")
	}
	tags := fleet.Tags{Color: action.Flags["tag-color"], Branch: action.Flags["tag-branch"]}

	c.mu.Lock()
	if c.cfg.TagsUniqueness != "none" && c.tagConflictLocked(tags) {
		c.mu.Unlock()
		return errResult(fleet.NewError(fleet.ErrConflict, "tags collide with an existing live instance under uniqueness=%s", c.cfg.TagsUniqueness))
	}
	if c.cfg.FleetMaxInstances > 0 && c.liveInstanceCountLocked() >= c.cfg.FleetMaxInstances {
		c.mu.Unlock()
		return errResult(fleet.NewError(fleet.ErrExhausted, "fleet.max-instances reached (%d)", c.cfg.FleetMaxInstances))
	}
	c.mu.Unlock()

	var ws *fleet.Workspace
	acquireErr := c.retryTransient(ctx, "acquire workspace", func() error {
		w, err := c.workspaces.Acquire(ctx, sourceRef, isolation)
		if err != nil {
			return err
		}
		ws = w
		return nil
	})
	if acquireErr != nil {
		return errResult(acquireErr)
	}

	id := newID("i")
	if err := c.workspaces.Bind(ws.ID, id); err != nil {
		c.workspaces.Release(ctx, ws.ID, c.releaseModeFor(false))
		return errResult(err)
	}

	var handle launcher.Handle
	startErr := c.retryTransient(ctx, "start launcher", func() error {
		h, err := c.launcher.Start(ctx, launcher.Spec{
			InstanceID:   id,
			WorkspaceDir: ws.Root,
			Capabilities: capabilities,
			Command:      c.cfg.WorkerCommand,
		})
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if startErr != nil {
		c.workspaces.Release(ctx, ws.ID, c.releaseModeFor(false))
		return errResult(startErr)
	}

	c.mu.Lock()
	pre := c.digestLocked()
	inst := &fleet.Instance{
		ID:            id,
		Capabilities:  capabilities,
		Tags:          tags,
		State:         fleet.InstanceStarting,
		WorkspaceID:   ws.ID,
		CreatedAt:     c.clock.Now(),
		LastHeartbeat: c.clock.Now(),
	}
	c.instances[id] = inst
	c.handles[id] = handle
	c.appendJournal("launch", action, map[string]string{"instance-id": id, "workspace-id": ws.ID}, pre)
	c.mu.Unlock()

	c.publish(fleet.EventInstanceStateChanged, id, map[string]string{"state": string(fleet.InstanceStarting)})
	return okResult(map[string]string{"instance-id": id})
}

// handleTerminate implements terminate(instance-id, mode).
func (c *Controller) handleTerminate(ctx context.Context, action *fleet.Action) *fleet.Result {
	if len(action.Args) == 0 {
		return errResult(fleet.NewError(fleet.ErrInvalidArgument, "terminate requires an instance id argument"))
	}
	id := action.Args[0]
	mode := "graceful"
	if len(action.Args) > 1 {
		mode = action.Args[1]
	}

	c.mu.Lock()
	inst, ok := c.instances[id]
	if !ok {
		c.mu.Unlock()
		return errResult(fleet.NewError(fleet.ErrNotFound, "instance %s not found", id))
	}
	pre := c.digestLocked()

	if mode == "force" {
		c.forceTerminateLocked(ctx, inst)
		c.appendJournal("terminate-force", action, map[string]string{"instance-id": id}, pre)
		c.mu.Unlock()
		c.publish(fleet.EventInstanceStateChanged, id, map[string]string{"state": string(fleet.InstanceTerminated)})
		return okResult(nil)
	}

	inst.State = fleet.InstanceDraining
	inst.GracefulDeadline = c.clock.Now().Add(c.cfg.TerminateGrace)
	c.appendJournal("terminate-graceful", action, map[string]string{"instance-id": id}, pre)
	c.mu.Unlock()
	c.publish(fleet.EventInstanceStateChanged, id, map[string]string{"state": string(fleet.InstanceDraining)})
	return okResult(nil)
}

// forceTerminateLocked stops the launcher, applies the pure state
// mutation, and releases the workspace. Caller must hold c.mu.
func (c *Controller) forceTerminateLocked(ctx context.Context, inst *fleet.Instance) {
	instLogger := log.WithInstanceID(c.logger, inst.ID)
	if handle, ok := c.handles[inst.ID]; ok {
		if err := c.launcher.Stop(ctx, handle, c.cfg.TerminateGrace); err != nil {
			instLogger.Warn().Err(err).Msg("launcher stop failed during force terminate")
		}
		delete(c.handles, inst.ID)
	}

	failureTriggered, workspaceID := c.forceTerminateStateLocked(inst)

	if workspaceID != "" {
		if err := c.workspaces.Release(ctx, workspaceID, c.releaseModeFor(failureTriggered)); err != nil {
			instLogger.Warn().Err(err).Msg("workspace release failed during force terminate")
		} else {
			c.publish(fleet.EventWorkspaceReleased, workspaceID, nil)
		}
	}
}

// forceTerminateStateLocked applies the in-memory half of a force
// terminate — reassigning owned tasks back to pending and marking the
// instance terminated — with no collaborator I/O, so Restore can
// re-derive the same state from a journaled "terminate-force" record
// without re-invoking the launcher or workspace manager. Caller must
// hold c.mu. Returns whether the instance's failure-triggered release
// mode applies and the workspace id to release, for the I/O wrapper.
func (c *Controller) forceTerminateStateLocked(inst *fleet.Instance) (failureTriggered bool, workspaceID string) {
	for _, task := range c.tasks {
		if task.OwnerID != inst.ID {
			continue
		}
		if task.State.Terminal() {
			continue
		}
		task.OwnerID = ""
		task.State = fleet.TaskPending
		task.UpdatedAt = c.clock.Now()
		inst.CurrentLoad--
	}

	failureTriggered = inst.State == fleet.InstanceDegraded
	inst.State = fleet.InstanceTerminated
	return failureTriggered, inst.WorkspaceID
}

// releaseModeFor picks prune vs retain per workspace.retain-on-failure.
func (c *Controller) releaseModeFor(failureTriggered bool) workspace.ReleaseMode {
	if failureTriggered && c.cfg.WorkspaceRetainOnFailure {
		return workspace.ReleaseRetain
	}
	return workspace.ReleasePrune
}

// handleSubmit implements submit(task-spec).
func (c *Controller) handleSubmit(ctx context.Context, action *fleet.Action) *fleet.Result {
	kind := action.Flags["kind"]
	if kind == "" {
		return errResult(fleet.NewError(fleet.ErrInvalidArgument, "submit requires --kind"))
	}
	maxAttempts := c.cfg.TaskDefaultMaxAttempts
	if raw, ok := action.Flags["max-attempts"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return errResult(fleet.NewError(fleet.ErrInvalidArgument, "max-attempts must be an integer: %v", err))
		}
		maxAttempts = n
	}

	var caps []string
	if raw := action.Flags["capability"]; raw != "" {
		caps = strings.Split(raw, ",")
	}

	id := newID("t")
	now := c.clock.Now()
	task := &fleet.Task{
		ID:                   id,
		Kind:                 kind,
		Payload:              action.Flags["payload"],
		RequiredCapabilities: caps,
		MaxAttempts:          maxAttempts,
		State:                fleet.TaskPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if raw, ok := action.Flags["deadline"]; ok && raw != "" {
		d, err := parseDeadline(raw, now)
		if err != nil {
			return errResult(fleet.NewError(fleet.ErrInvalidArgument, "invalid deadline %q: %v", raw, err))
		}
		task.Deadline = d
	}

	c.mu.Lock()
	pre := c.digestLocked()
	c.tasks[id] = task
	c.appendJournal("submit", action, map[string]string{"task-id": id}, pre)
	c.mu.Unlock()

	return okResult(map[string]string{"task-id": id})
}

// parseDeadline accepts either an RFC3339 timestamp or a Go duration
// relative to now (e.g. "90s", "5m").
func parseDeadline(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(d), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// handleCancel implements cancel(task-id).
func (c *Controller) handleCancel(ctx context.Context, action *fleet.Action) *fleet.Result {
	if len(action.Args) == 0 {
		return errResult(fleet.NewError(fleet.ErrInvalidArgument, "cancel requires a task id argument"))
	}
	id := action.Args[0]

	c.mu.Lock()
	task, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return errResult(fleet.NewError(fleet.ErrNotFound, "task %s not found", id))
	}
	if task.State.Terminal() {
		state := task.State
		c.mu.Unlock()
		return okResult(map[string]string{"task-id": id, "state": string(state)})
	}
	pre := c.digestLocked()

	if task.State == fleet.TaskPending {
		c.finishTaskLocked(task, fleet.TaskCancelled, "cancelled by caller")
	} else {
		task.State = fleet.TaskCancelling
		task.CancelRequestedAt = c.clock.Now()
		task.UpdatedAt = c.clock.Now()
	}
	state := task.State
	c.appendJournal("cancel", action, map[string]string{"task-id": id}, pre)
	c.mu.Unlock()

	c.publish(fleet.EventCancelled, id, map[string]string{"state": string(state)})
	return okResult(map[string]string{"task-id": id, "state": string(state)})
}

// handleStatus implements status(selector).
func (c *Controller) handleStatus(ctx context.Context, action *fleet.Action) *fleet.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id := action.Flags["instance"]; id != "" {
		inst, ok := c.instances[id]
		if !ok {
			return errResult(fleet.NewError(fleet.ErrNotFound, "instance %s not found", id))
		}
		return okResult(instanceFields(inst))
	}
	if id := action.Flags["task"]; id != "" {
		task, ok := c.tasks[id]
		if !ok {
			return errResult(fleet.NewError(fleet.ErrNotFound, "task %s not found", id))
		}
		return okResult(taskFields(task))
	}

	counts := make(map[string]int)
	for _, inst := range c.instances {
		counts["instance."+string(inst.State)]++
	}
	for _, task := range c.tasks {
		counts["task."+string(task.State)]++
	}
	fields := make(map[string]string, len(counts))
	for k, v := range counts {
		fields[k] = strconv.Itoa(v)
	}
	return okResult(fields)
}

// handleHeartbeat implements heartbeat(instance-id, observed-load, progress).
func (c *Controller) handleHeartbeat(ctx context.Context, action *fleet.Action) *fleet.Result {
	if len(action.Args) == 0 {
		return errResult(fleet.NewError(fleet.ErrInvalidArgument, "heartbeat requires an instance id argument"))
	}
	id := action.Args[0]

	c.mu.Lock()

	inst, ok := c.instances[id]
	if !ok {
		c.mu.Unlock()
		return errResult(fleet.NewError(fleet.ErrNotFound, "instance %s not found", id))
	}
	pre := c.digestLocked()

	wasStarting := inst.State == fleet.InstanceStarting
	inst.LastHeartbeat = c.clock.Now()
	if raw, ok := action.Flags["load"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			inst.ObservedLoad = n
		}
	}
	inst.LastProgress = action.Flags["progress"]

	if wasStarting {
		inst.State = fleet.InstanceHealthy
	}
	c.appendJournal("heartbeat", action, map[string]string{"instance-id": id}, pre)
	c.mu.Unlock()

	if wasStarting {
		c.publish(fleet.EventInstanceStateChanged, id, map[string]string{"state": string(fleet.InstanceHealthy)})
	}
	return okResult(nil)
}

// handleComplete implements complete(task-id, outcome).
func (c *Controller) handleComplete(ctx context.Context, action *fleet.Action) *fleet.Result {
	if len(action.Args) == 0 {
		return errResult(fleet.NewError(fleet.ErrInvalidArgument, "complete requires a task id argument"))
	}
	id := action.Args[0]
	success := action.Flags["result"] == "success" || (action.Flags["result"] == "" && action.Flags["error"] == "")
	errMsg := action.Flags["error"]

	c.mu.Lock()
	task, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return errResult(fleet.NewError(fleet.ErrNotFound, "task %s not found", id))
	}
	if task.State.Terminal() {
		c.mu.Unlock()
		return errResult(fleet.NewError(fleet.ErrConflict, "task %s is already terminal (%s)", id, task.State))
	}
	pre := c.digestLocked()

	instanceID := task.OwnerID
	if success {
		c.finishTaskLocked(task, fleet.TaskCompleted, "")
	} else if task.AttemptsMade >= task.MaxAttempts {
		c.finishTaskLocked(task, fleet.TaskFailed, errMsg)
	} else {
		task.State = fleet.TaskPending
		task.OwnerID = ""
		task.FailureReason = errMsg
		task.UpdatedAt = c.clock.Now()
		if inst, ok := c.instances[instanceID]; ok {
			inst.CurrentLoad--
		}
	}
	state := task.State
	kindOfTask := task.Kind
	c.appendJournal("complete", action, map[string]string{"task-id": id}, pre)
	c.mu.Unlock()

	if instanceID != "" {
		c.distributor.RecordOutcome(instanceID, kindOfTask, !success)
	}
	eventKind := fleet.EventTaskCompleted
	if !success {
		eventKind = fleet.EventTaskFailed
	}
	c.publish(eventKind, id, map[string]string{"state": string(state)})
	return okResult(map[string]string{"task-id": id, "state": string(state)})
}

// finishTaskLocked moves task to a terminal state and releases its
// owning instance's load; caller must hold c.mu.
func (c *Controller) finishTaskLocked(task *fleet.Task, state fleet.TaskState, reason string) {
	if task.OwnerID != "" {
		if inst, ok := c.instances[task.OwnerID]; ok {
			inst.CurrentLoad--
		}
	}
	task.State = state
	task.FailureReason = reason
	task.OwnerID = ""
	task.UpdatedAt = c.clock.Now()
}

func (c *Controller) tagConflictLocked(tags fleet.Tags) bool {
	for _, inst := range c.instances {
		if inst.State == fleet.InstanceTerminated || inst.State == fleet.InstanceTerminating {
			continue
		}
		switch c.cfg.TagsUniqueness {
		case "color":
			if inst.Tags.Color != "" && inst.Tags.Color == tags.Color {
				return true
			}
		case "branch":
			if inst.Tags.Branch != "" && inst.Tags.Branch == tags.Branch {
				return true
			}
		case "all":
			if inst.Tags.Equal(tags) {
				return true
			}
		}
	}
	return false
}

func (c *Controller) liveInstanceCountLocked() int {
	n := 0
	for _, inst := range c.instances {
		if inst.State != fleet.InstanceTerminated {
			n++
		}
	}
	return n
}

func instanceFields(inst *fleet.Instance) map[string]string {
	return map[string]string{
		"instance-id": inst.ID,
		"state":       string(inst.State),
		"workspace":   inst.WorkspaceID,
		"load":        strconv.Itoa(inst.CurrentLoad),
	}
}

func taskFields(task *fleet.Task) map[string]string {
	return map[string]string{
		"task-id": task.ID,
		"state":   string(task.State),
		"owner":   task.OwnerID,
		"kind":    task.Kind,
	}
}
