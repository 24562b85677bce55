// Package controller implements the Controller (spec §4.1): the single
// owner of fleet state. It accepts Actions, drives instance and task
// lifecycle through the distributor, workspace manager, and health
// monitor, and emits Results and Events. Grounded on the teacher's
// pkg/manager.Manager construction style (a struct holding its
// collaborators, a mutex-guarded map, a Config) and pkg/scheduler's
// ticker-loop shape for the reconciliation loop in reconcile.go.
package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/foreman/internal/distributor"
	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/internal/journal"
	"github.com/cuemby/foreman/internal/launcher"
	"github.com/cuemby/foreman/internal/workspace"
	"github.com/cuemby/foreman/pkg/clock"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Controller is the fleet's single mutating authority. Every exported
// operation takes the fleet lock for the duration of its state mutation;
// I/O against collaborators (workspace acquisition, launcher start) runs
// before the lock is taken wherever an error there must not corrupt
// state, matching §5's "parallel workers, single serialized authority".
type Controller struct {
	mu  sync.Mutex
	cfg Config

	instances map[string]*fleet.Instance
	tasks     map[string]*fleet.Task
	handles   map[string]launcher.Handle

	distributor *distributor.Distributor
	workspaces  *workspace.Manager
	launcher    launcher.Launcher
	journal     *journal.Journal
	broker      *fleet.Broker
	clock       clock.Clock
	logger      zerolog.Logger

	probes        ProbeFactory
	probesInFlight map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Controller from its collaborators. The caller owns
// the lifetime of workspaces, journal and broker (Close/Stop them after
// the controller's reconciliation loop has stopped).
func New(cfg Config, dist *distributor.Distributor, ws *workspace.Manager, lnch launcher.Launcher, jrnl *journal.Journal, broker *fleet.Broker, clk clock.Clock) *Controller {
	return &Controller{
		cfg:            cfg,
		instances:      make(map[string]*fleet.Instance),
		tasks:          make(map[string]*fleet.Task),
		handles:        make(map[string]launcher.Handle),
		distributor:    dist,
		workspaces:     ws,
		launcher:       lnch,
		journal:        jrnl,
		broker:         broker,
		clock:          clk,
		logger:         log.WithComponent("controller"),
		probesInFlight: make(map[string]bool),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Dispatch maps a decoded Action to the matching typed operation and
// renders its outcome as a Result, the way the teacher's cobra command
// tree maps one verb to one RunE handler.
func (c *Controller) Dispatch(ctx context.Context, action *fleet.Action) *fleet.Result {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ActionDuration, action.Verb)

	result := c.dispatch(ctx, action)
	result.CorrelationID = action.CorrelationID
	if result.Timestamp.IsZero() {
		result.Timestamp = c.clock.Now()
	}
	metrics.ActionsTotal.WithLabelValues(action.Verb, string(result.Status)).Inc()
	return result
}

func (c *Controller) dispatch(ctx context.Context, action *fleet.Action) *fleet.Result {
	switch action.Verb {
	case "launch":
		return c.handleLaunch(ctx, action)
	case "terminate":
		return c.handleTerminate(ctx, action)
	case "submit":
		return c.handleSubmit(ctx, action)
	case "cancel":
		return c.handleCancel(ctx, action)
	case "status":
		return c.handleStatus(ctx, action)
	case "heartbeat":
		return c.handleHeartbeat(ctx, action)
	case "complete":
		return c.handleComplete(ctx, action)
	default:
		return errResult(fleet.NewError(fleet.ErrInvalidArgument, "unsupported verb %s", action.Verb))
	}
}

func errResult(err error) *fleet.Result {
	fe, ok := err.(*fleet.FleetError)
	if !ok {
		fe = fleet.NewError(fleet.ErrInternal, "%v", err)
	}
	fields := make(map[string]string, len(fe.Fields))
	for k, v := range fe.Fields {
		fields[k] = v
	}
	return &fleet.Result{
		Status:    fleet.StatusError,
		ErrorCode: fe.Kind,
		Message:   fe.Message,
		Fields:    fields,
	}
}

func okResult(fields map[string]string) *fleet.Result {
	if fields == nil {
		fields = make(map[string]string)
	}
	return &fleet.Result{Status: fleet.StatusOK, Fields: fields}
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}

// appendJournal records the action that drove a mutation against the
// fleet's pre/post digest, so Restore can replay it later. pre must be
// captured by the caller before mutation; action may be nil for a
// mutation the reconciliation loop makes on its own rather than in
// response to one operator-issued Action. Caller must hold c.mu.
func (c *Controller) appendJournal(label string, action *fleet.Action, fields map[string]string, pre string) {
	post := c.digestLocked()
	if _, err := c.journal.Append(label, action, fields, pre, post); err != nil {
		c.logger.Warn().Err(err).Str("label", label).Msg("journal append failed")
	} else {
		metrics.JournalWritesTotal.Inc()
	}
}

// Restore replays the journal to reconstruct in-memory fleet state
// after a restart (spec §4.1's "controller restart replays the
// journal"). It must be called before Start, on a Controller whose
// instances/tasks maps are still empty. After replay it runs one pass
// of the heartbeat-freshness health classification against the real
// clock, so any instance that went stale purely because of downtime —
// never explicitly recorded as lost before the crash — is still
// reconciled and its reassignable tasks returned to pending with
// attempts-made preserved (P6).
func (c *Controller) Restore() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.journal.Replay(c.replayRecordLocked); err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	c.classifyHealthLocked()
	return nil
}

// digestLocked computes a stable digest of the current fleet state;
// caller must hold c.mu.
func (c *Controller) digestLocked() string {
	return journal.Digest(c.snapshotLocked())
}

type fleetSnapshot struct {
	Instances map[string]*fleet.Instance
	Tasks     map[string]*fleet.Task
}

func (c *Controller) snapshotLocked() fleetSnapshot {
	return fleetSnapshot{Instances: c.instances, Tasks: c.tasks}
}

func (c *Controller) publish(kind fleet.EventKind, subjectID string, payload map[string]string) {
	c.broker.Publish(&fleet.Event{
		Kind:      kind,
		SubjectID: subjectID,
		Payload:   payload,
		Timestamp: c.clock.Now(),
	})
}

// Close stops the reconciliation loop if running.
func (c *Controller) Close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}
