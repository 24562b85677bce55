package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteReadSidecarRoundTrips(t *testing.T) {
	root := t.TempDir()
	now := time.Now().UTC().Truncate(time.Second)

	err := WriteSidecar(root, Sidecar{
		SourceRef: "git@example.com/repo.git",
		Isolation: "linked",
		CreatedAt: now,
		OwnerID:   "instance-1",
	})
	require.NoError(t, err)

	got, err := ReadSidecar(root)
	require.NoError(t, err)
	require.Equal(t, "git@example.com/repo.git", got.SourceRef)
	require.Equal(t, "linked", got.Isolation)
	require.True(t, now.Equal(got.CreatedAt))
	require.Equal(t, "instance-1", got.OwnerID)
}

func TestWriteSidecarOverwritesPriorOwner(t *testing.T) {
	root := t.TempDir()
	base := Sidecar{SourceRef: "repo", Isolation: "copy", CreatedAt: time.Now()}

	require.NoError(t, WriteSidecar(root, base))
	base.OwnerID = "instance-a"
	require.NoError(t, WriteSidecar(root, base))

	got, err := ReadSidecar(root)
	require.NoError(t, err)
	require.Equal(t, "instance-a", got.OwnerID)

	base.OwnerID = ""
	require.NoError(t, WriteSidecar(root, base))

	got, err = ReadSidecar(root)
	require.NoError(t, err)
	require.Empty(t, got.OwnerID)
}

func TestReadSidecarMissingFileErrors(t *testing.T) {
	root := t.TempDir()
	_, err := ReadSidecar(root)
	require.Error(t, err)
}
