// Package launcher starts and stops the worker processes a Controller
// supervises. The version-control tool and message transport are external
// collaborators specified only at the boundary (spec §1); so is the
// command launcher — this package defines that boundary and a
// process-based default implementation.
package launcher

import (
	"context"
	"time"

	"github.com/cuemby/foreman/internal/fleet"
)

// Spec describes the worker process to start for a given instance.
type Spec struct {
	InstanceID   string
	WorkspaceDir string
	Capabilities []string
	Command      []string // argv; Command[0] is the executable
	Env          []string // additional KEY=VALUE entries appended to os.Environ()
}

// Handle identifies a running worker process so it can later be stopped.
type Handle struct {
	InstanceID string
	PID        int
}

// Launcher starts and stops worker processes. Start failures surface as
// fleet.ErrUnavailable (transient, retriable per spec §7); Stop is
// idempotent, matching the workspace manager's release contract.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
	Stop(ctx context.Context, handle Handle, grace time.Duration) error
	// Running reports whether the process behind handle is still alive.
	Running(handle Handle) bool
}

// NewLauncher constructs the default os/exec-backed Launcher.
func NewLauncher() Launcher {
	return newProcessLauncher()
}

func unavailable(format string, args ...any) error {
	return fleet.NewError(fleet.ErrUnavailable, format, args...)
}

func fleetCancelled(instanceID string) error {
	return fleet.NewError(fleet.ErrCancelled, "launcher: stop cancelled for instance %s", instanceID)
}
