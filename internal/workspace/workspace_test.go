package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/cuemby/foreman/pkg/clock"
	"github.com/stretchr/testify/require"
)

// fakeGit creates real directories so Acquire's rename-into-place step
// has something to operate on, without needing a git binary.
type fakeGit struct {
	failAdd   bool
	failClone bool
}

func (f *fakeGit) AddWorktree(ctx context.Context, primaryRoot, path, branch string) error {
	if f.failAdd {
		return os.ErrInvalid
	}
	return os.MkdirAll(path, 0o755)
}

func (f *fakeGit) RemoveWorktree(ctx context.Context, primaryRoot, path string) error {
	return nil
}

func (f *fakeGit) Clone(ctx context.Context, sourceRef, path string) error {
	if f.failClone {
		return os.ErrInvalid
	}
	return os.MkdirAll(path, 0o755)
}

func (f *fakeGit) RevParse(ctx context.Context, root string) (string, error) {
	return "deadbeef", nil
}

type fakeDisk struct{ pressured bool }

func (f *fakeDisk) Pressure() bool { return f.pressured }

func newTestManager(t *testing.T, git GitExecutor, disk DiskPressure) *Manager {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := Config{BaseDir: t.TempDir()}
	return NewWithExecutor(cfg, fc, git, disk)
}

func TestAcquireLinkedCreatesWorkspace(t *testing.T) {
	m := newTestManager(t, &fakeGit{}, &fakeDisk{})

	ws, err := m.Acquire(context.Background(), "/repo", fleet.IsoLinked)
	require.NoError(t, err)
	require.Equal(t, fleet.IsoLinked, ws.Isolation)
	require.DirExists(t, ws.Root)
}

func TestAcquireCopyCreatesWorkspace(t *testing.T) {
	m := newTestManager(t, &fakeGit{}, &fakeDisk{})

	ws, err := m.Acquire(context.Background(), "/repo", fleet.IsoCopy)
	require.NoError(t, err)
	require.Equal(t, fleet.IsoCopy, ws.Isolation)
	require.DirExists(t, ws.Root)
}

func TestAcquireRefusesUnderDiskPressure(t *testing.T) {
	m := newTestManager(t, &fakeGit{}, &fakeDisk{pressured: true})

	_, err := m.Acquire(context.Background(), "/repo", fleet.IsoLinked)
	require.Error(t, err)
	require.Equal(t, fleet.ErrExhausted, fleet.KindOf(err))
}

func TestAcquireRejectsEmptySourceRef(t *testing.T) {
	m := newTestManager(t, &fakeGit{}, &fakeDisk{})

	_, err := m.Acquire(context.Background(), "", fleet.IsoLinked)
	require.Error(t, err)
	require.Equal(t, fleet.ErrInvalidArgument, fleet.KindOf(err))
}

func TestAcquireLeavesNoStateOnFailure(t *testing.T) {
	cfg := Config{BaseDir: t.TempDir()}
	fc := clock.NewFake(time.Now())
	m := NewWithExecutor(cfg, fc, &fakeGit{failAdd: true}, &fakeDisk{})

	_, err := m.Acquire(context.Background(), "/repo", fleet.IsoLinked)
	require.Error(t, err)

	entries, err := os.ReadDir(cfg.BaseDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, &fakeGit{}, &fakeDisk{})
	ws, err := m.Acquire(context.Background(), "/repo", fleet.IsoCopy)
	require.NoError(t, err)

	require.NoError(t, m.Release(context.Background(), ws.ID, ReleasePrune))
	require.NoError(t, m.Release(context.Background(), ws.ID, ReleasePrune))
	require.NoError(t, m.Release(context.Background(), "never-acquired", ReleasePrune))

	require.NoDirExists(t, ws.Root)
}

func TestReleaseRetainKeepsRoot(t *testing.T) {
	m := newTestManager(t, &fakeGit{}, &fakeDisk{})
	ws, err := m.Acquire(context.Background(), "/repo", fleet.IsoCopy)
	require.NoError(t, err)

	require.NoError(t, m.Release(context.Background(), ws.ID, ReleaseRetain))
	require.DirExists(t, ws.Root)

	_, err = m.Describe(ws.ID)
	require.Error(t, err)
	require.Equal(t, fleet.ErrNotFound, fleet.KindOf(err))
}

func TestDescribeReturnsHandle(t *testing.T) {
	m := newTestManager(t, &fakeGit{}, &fakeDisk{})
	ws, err := m.Acquire(context.Background(), "/repo", fleet.IsoLinked)
	require.NoError(t, err)

	described, err := m.Describe(ws.ID)
	require.NoError(t, err)
	require.Equal(t, ws.Root, described.Root)
	require.Equal(t, "/repo", described.SourceRef)
}

func TestBindEnforcesSingleOwner(t *testing.T) {
	m := newTestManager(t, &fakeGit{}, &fakeDisk{})
	ws, err := m.Acquire(context.Background(), "/repo", fleet.IsoLinked)
	require.NoError(t, err)

	require.NoError(t, m.Bind(ws.ID, "instance-a"))
	require.NoError(t, m.Bind(ws.ID, "instance-a"))

	err = m.Bind(ws.ID, "instance-b")
	require.Error(t, err)
	require.Equal(t, fleet.ErrConflict, fleet.KindOf(err))
}

func TestAcquireRootsAreDistinct(t *testing.T) {
	m := newTestManager(t, &fakeGit{}, &fakeDisk{})
	a, err := m.Acquire(context.Background(), "/repo", fleet.IsoLinked)
	require.NoError(t, err)
	b, err := m.Acquire(context.Background(), "/repo", fleet.IsoLinked)
	require.NoError(t, err)

	require.NotEqual(t, a.ID, b.ID)
	require.NotEqual(t, a.Root, b.Root)
	require.Equal(t, filepath.Dir(a.Root), filepath.Dir(b.Root))
}
