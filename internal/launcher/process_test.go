package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/stretchr/testify/require"
)

func TestStartRunsCommandAndReportsPID(t *testing.T) {
	l := newProcessLauncher()
	handle, err := l.Start(context.Background(), Spec{
		InstanceID: "i-1",
		Command:    []string{"sh", "-c", "sleep 5"},
	})
	require.NoError(t, err)
	require.Equal(t, "i-1", handle.InstanceID)
	require.Greater(t, handle.PID, 0)
	require.True(t, l.Running(handle))

	require.NoError(t, l.Stop(context.Background(), handle, time.Second))
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	l := newProcessLauncher()
	_, err := l.Start(context.Background(), Spec{InstanceID: "i-1"})
	require.Error(t, err)
	require.Equal(t, fleet.ErrUnavailable, fleet.KindOf(err))
}

func TestStopIsIdempotentForUnknownHandle(t *testing.T) {
	l := newProcessLauncher()
	err := l.Stop(context.Background(), Handle{InstanceID: "never-started"}, time.Second)
	require.NoError(t, err)
}

func TestStopWaitsForGracefulExit(t *testing.T) {
	l := newProcessLauncher()
	handle, err := l.Start(context.Background(), Spec{
		InstanceID: "i-2",
		Command:    []string{"sh", "-c", "trap 'exit 0' TERM; sleep 5 & wait"},
	})
	require.NoError(t, err)

	err = l.Stop(context.Background(), handle, 2*time.Second)
	require.NoError(t, err)
	require.False(t, l.Running(handle))
}

func TestStopKillsAfterGraceExpires(t *testing.T) {
	l := newProcessLauncher()
	handle, err := l.Start(context.Background(), Spec{
		InstanceID: "i-3",
		Command:    []string{"sh", "-c", "trap '' TERM; sleep 5"},
	})
	require.NoError(t, err)

	err = l.Stop(context.Background(), handle, 200*time.Millisecond)
	require.NoError(t, err)
}

func TestRunningReportsFalseAfterProcessExits(t *testing.T) {
	l := newProcessLauncher()
	handle, err := l.Start(context.Background(), Spec{
		InstanceID: "i-4",
		Command:    []string{"sh", "-c", "true"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !l.Running(handle)
	}, 2*time.Second, 20*time.Millisecond)
}
