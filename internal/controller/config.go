package controller

import (
	"time"

	"github.com/cuemby/foreman/internal/fleet"
)

// Config holds the controller's tunables, mirroring the enumerated
// options record of spec §6. pkg/config.Options is converted into this
// shape at startup (see cmd/foreman).
type Config struct {
	FleetMaxInstances      int
	TaskDefaultMaxAttempts int
	TaskPerInstanceCap     int

	HealthFreshWindow           time.Duration
	HealthStaleWindow           time.Duration
	HealthProbeInterval         time.Duration
	HealthProbeDeadline         time.Duration
	HealthRecoveryGrace         time.Duration
	HealthMaxConsecutiveFailure int

	WorkspaceIsolation       fleet.IsoMode
	WorkspaceRetainOnFailure bool

	TagsUniqueness string // none|color|branch|all

	// LaunchRetryMaxAttempts bounds how many times handleLaunch retries
	// a transient workspace-acquire or launcher-start failure (spec
	// §4.1's "retried with bounded exponential backoff up to a
	// configured ceiling; then surface as unavailable"). 1 disables
	// retry outright.
	LaunchRetryMaxAttempts int
	// LaunchRetryBaseDelay is the first retry's backoff; each
	// subsequent attempt doubles it up to LaunchRetryMaxDelay.
	LaunchRetryBaseDelay time.Duration
	// LaunchRetryMaxDelay caps the exponential backoff between retries.
	LaunchRetryMaxDelay time.Duration

	// TerminateGrace bounds how long terminate(graceful) waits for
	// in-flight tasks to drain before forcing termination.
	TerminateGrace time.Duration
	// CancelGrace bounds how long cancel() waits for the owning
	// instance to acknowledge before forcing the task to cancelled.
	CancelGrace time.Duration
	// There is no grace setting for unsatisfiable tasks: the
	// distributor reports a task unsatisfiable on the first tick at
	// which no instance, in any state, declares one of its required
	// capabilities, with no bounded wait before that. The controller
	// never fails such a task; it stays pending and a task.unsatisfiable
	// event is published on every tick until an instance declaring the
	// capability appears.

	// ReconcileInterval is the reconciliation loop's tick period.
	ReconcileInterval time.Duration

	// WorkerCommand is the argv template the launcher uses to start a
	// worker process; instance id and workspace directory are passed
	// through launcher.Spec, not interpolated into the command itself.
	WorkerCommand []string
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		FleetMaxInstances:           16,
		TaskDefaultMaxAttempts:      3,
		TaskPerInstanceCap:          4,
		HealthFreshWindow:           10 * time.Second,
		HealthStaleWindow:           30 * time.Second,
		HealthProbeInterval:         5 * time.Second,
		HealthProbeDeadline:         2 * time.Second,
		HealthRecoveryGrace:         60 * time.Second,
		HealthMaxConsecutiveFailure: 3,
		WorkspaceIsolation:          fleet.IsoLinked,
		WorkspaceRetainOnFailure:    true,
		TagsUniqueness:              "none",
		LaunchRetryMaxAttempts:      3,
		LaunchRetryBaseDelay:        250 * time.Millisecond,
		LaunchRetryMaxDelay:         5 * time.Second,
		TerminateGrace:              30 * time.Second,
		CancelGrace:                 10 * time.Second,
		ReconcileInterval:           time.Second,
	}
}
