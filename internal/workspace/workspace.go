// Package workspace implements the workspace manager (spec §4.3): an
// isolated filesystem working tree handed to exactly one instance at a
// time, acquired in linked or copy isolation and released with a
// guaranteed, idempotent cleanup path.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/internal/journal"
	"github.com/cuemby/foreman/pkg/clock"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReleaseMode controls whether release preserves or removes a
// workspace's filesystem artifacts.
type ReleaseMode string

const (
	ReleaseRetain ReleaseMode = "retain"
	ReleasePrune  ReleaseMode = "prune"
)

// DiskPressure reports whether the environment is too low on disk space
// to accept a new acquisition.
type DiskPressure interface {
	Pressure() bool
}

// Config holds the manager's tunables.
type Config struct {
	// BaseDir is the parent directory all workspace roots are created
	// under.
	BaseDir string
}

// Manager implements acquire/release/describe over a registry of live
// workspace handles, backed by git worktrees (linked) or full clones
// (copy).
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	git     GitExecutor
	disk    DiskPressure
	clock   clock.Clock
	logger  zerolog.Logger
	byID    map[string]*fleet.Workspace
}

// New constructs a Manager using the default exec-based git executor
// and disk-pressure checker.
func New(cfg Config, clk clock.Clock) *Manager {
	return NewWithExecutor(cfg, clk, newExecGit(), newStatfsChecker(cfg.BaseDir))
}

// NewWithExecutor constructs a Manager with injected collaborators, used
// by tests to avoid shelling out to a real git binary.
func NewWithExecutor(cfg Config, clk clock.Clock, git GitExecutor, disk DiskPressure) *Manager {
	return &Manager{
		cfg:    cfg,
		git:    git,
		disk:   disk,
		clock:  clk,
		logger: log.WithComponent("workspace"),
		byID:   make(map[string]*fleet.Workspace),
	}
}

// Acquire provisions a new isolated working tree for sourceRef.
// Acquisition is atomic: on any failure the staging directory is
// removed and no handle is registered, so either the workspace exists
// and is usable or nothing changed.
func (m *Manager) Acquire(ctx context.Context, sourceRef string, isolation fleet.IsoMode) (*fleet.Workspace, error) {
	if m.disk.Pressure() {
		return nil, fleet.NewError(fleet.ErrExhausted, "disk pressure: refusing new workspace acquisitions")
	}
	if sourceRef == "" {
		return nil, fleet.NewError(fleet.ErrInvalidArgument, "source ref must not be empty").WithField("reason", "invalid-source")
	}

	id := uuid.New().String()
	finalPath := filepath.Join(m.cfg.BaseDir, id)
	stagingPath := filepath.Join(m.cfg.BaseDir, ".staging-"+id)

	if err := os.MkdirAll(m.cfg.BaseDir, 0o755); err != nil {
		return nil, fleet.NewError(fleet.ErrInternal, "create base dir: %v", err)
	}

	if err := m.provision(ctx, sourceRef, stagingPath, isolation); err != nil {
		os.RemoveAll(stagingPath)
		return nil, err
	}

	if err := os.Rename(stagingPath, finalPath); err != nil {
		os.RemoveAll(stagingPath)
		return nil, fleet.NewError(fleet.ErrInternal, "finalize workspace: %v", err)
	}

	ws := &fleet.Workspace{
		ID:        id,
		Root:      finalPath,
		SourceRef: sourceRef,
		Isolation: isolation,
		CreatedAt: m.clock.Now(),
	}

	m.mu.Lock()
	m.byID[id] = ws
	m.mu.Unlock()

	wsLogger := log.WithWorkspaceID(m.logger, id)
	if err := journal.WriteSidecar(finalPath, journal.Sidecar{
		SourceRef: ws.SourceRef,
		Isolation: string(ws.Isolation),
		CreatedAt: ws.CreatedAt,
	}); err != nil {
		wsLogger.Warn().Err(err).Msg("failed to write sidecar")
	}

	wsLogger.Info().Str("isolation", string(isolation)).Msg("acquired workspace")
	return cloneWorkspace(ws), nil
}

// provision builds the working tree at stagingPath in the requested
// isolation mode. There is no fallback from linked to copy: a failed
// worktree add is returned as an invalid-argument error.
func (m *Manager) provision(ctx context.Context, sourceRef, stagingPath string, isolation fleet.IsoMode) error {
	switch isolation {
	case fleet.IsoLinked:
		branch := "foreman/" + filepath.Base(stagingPath)
		if err := m.git.AddWorktree(ctx, sourceRef, stagingPath, branch); err != nil {
			return fleet.NewError(fleet.ErrInvalidArgument, "add worktree: %v", err).WithField("reason", "invalid-source")
		}
		return nil
	case fleet.IsoCopy:
		if err := m.git.Clone(ctx, sourceRef, stagingPath); err != nil {
			return fleet.NewError(fleet.ErrInvalidArgument, "clone: %v", err).WithField("reason", "invalid-source")
		}
		return nil
	default:
		return fleet.NewError(fleet.ErrInvalidArgument, "unknown isolation mode %q", isolation)
	}
}

// Release returns a workspace's resources. Release is idempotent: a
// second release of the same id, or of an id that was never acquired,
// succeeds without error.
func (m *Manager) Release(ctx context.Context, id string, mode ReleaseMode) error {
	m.mu.Lock()
	ws, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	wsLogger := log.WithWorkspaceID(m.logger, id)
	if mode == ReleasePrune {
		if ws.Isolation == fleet.IsoLinked {
			if err := m.git.RemoveWorktree(ctx, ws.SourceRef, ws.Root); err != nil {
				wsLogger.Warn().Err(err).Msg("worktree remove failed, pruning directory directly")
			}
		}
		if err := os.RemoveAll(ws.Root); err != nil {
			return fleet.NewError(fleet.ErrInternal, "prune workspace %s: %v", id, err)
		}
	} else {
		// Retained root survives for post-mortem inspection; clear the
		// owner in its sidecar so sidecar readers see it as unowned.
		// The handle itself is gone: Describe now reports not-found.
		if err := journal.WriteSidecar(ws.Root, journal.Sidecar{
			SourceRef: ws.SourceRef,
			Isolation: string(ws.Isolation),
			CreatedAt: ws.CreatedAt,
		}); err != nil {
			wsLogger.Warn().Err(err).Msg("failed to clear sidecar owner")
		}
	}

	wsLogger.Info().Str("mode", string(mode)).Msg("released workspace")
	return nil
}

// Describe returns the current handle for id.
func (m *Manager) Describe(id string) (*fleet.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.byID[id]
	if !ok {
		return nil, fleet.NewError(fleet.ErrNotFound, "workspace %s not found", id)
	}
	return cloneWorkspace(ws), nil
}

// Count returns the number of workspaces currently registered, used by
// the metrics collector for the workspaces-total gauge. A released
// workspace is not counted, whether its root was retained or pruned.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Bind records instanceID as the owner of workspace id, enforcing I1
// (a workspace is owned by at most one instance at a time).
func (m *Manager) Bind(id, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.byID[id]
	if !ok {
		return fleet.NewError(fleet.ErrNotFound, "workspace %s not found", id)
	}
	if ws.OwnerID != "" && ws.OwnerID != instanceID {
		return fleet.NewError(fleet.ErrConflict, "workspace %s already owned by %s", id, ws.OwnerID)
	}
	ws.OwnerID = instanceID

	if err := journal.WriteSidecar(ws.Root, journal.Sidecar{
		SourceRef: ws.SourceRef,
		Isolation: string(ws.Isolation),
		CreatedAt: ws.CreatedAt,
		OwnerID:   ws.OwnerID,
	}); err != nil {
		log.WithWorkspaceID(m.logger, id).Warn().Err(err).Msg("failed to update sidecar")
	}
	return nil
}

func cloneWorkspace(ws *fleet.Workspace) *fleet.Workspace {
	cp := *ws
	return &cp
}

// newStatfsChecker returns the production DiskPressure implementation,
// backed by a raw filesystem statistics syscall since no library in the
// dependency set exposes free-space reporting.
func newStatfsChecker(dir string) DiskPressure {
	return &statfsChecker{dir: dir, minFreeBytes: 512 * 1024 * 1024}
}

type statfsChecker struct {
	dir          string
	minFreeBytes uint64
}

func (s *statfsChecker) Pressure() bool {
	free, err := freeBytes(s.dir)
	if err != nil {
		// Environment doesn't support the check (e.g. path missing
		// until first acquisition); fail open rather than blocking
		// every acquisition on a transient stat error.
		return false
	}
	return free < s.minFreeBytes
}
