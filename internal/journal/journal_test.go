package journal

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/cuemby/foreman/internal/fleet"
	"github.com/stretchr/testify/require"
)

var errStopReplay = errors.New("stop replay")

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func launchAction() *fleet.Action {
	return &fleet.Action{Verb: "launch", Flags: map[string]string{"source-ref": "/repo"}}
}

func TestAppendAssignsIncreasingSequence(t *testing.T) {
	j := openTestJournal(t)

	r1, err := j.Append("launch", launchAction(), map[string]string{"instance-id": "instance-1"}, "pre-a", "post-a")
	require.NoError(t, err)
	r2, err := j.Append("terminate", &fleet.Action{Verb: "terminate", Args: []string{"instance-1"}}, nil, "post-a", "post-b")
	require.NoError(t, err)

	require.Equal(t, uint64(1), r1.Sequence)
	require.Equal(t, uint64(2), r2.Sequence)
	require.False(t, r1.Timestamp.IsZero())
}

func TestReplayVisitsRecordsInOrder(t *testing.T) {
	j := openTestJournal(t)

	_, err := j.Append("launch", launchAction(), map[string]string{"instance-id": "instance-1"}, "", "d1")
	require.NoError(t, err)
	_, err = j.Append("submit", &fleet.Action{Verb: "submit", Flags: map[string]string{"kind": "build"}}, map[string]string{"task-id": "task-1"}, "d1", "d2")
	require.NoError(t, err)
	_, err = j.Append("complete", &fleet.Action{Verb: "complete", Args: []string{"task-1"}, Flags: map[string]string{"result": "success"}}, nil, "d2", "d3")
	require.NoError(t, err)

	var labels []string
	err = j.Replay(func(r Record) error {
		labels = append(labels, r.Label)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"launch", "submit", "complete"}, labels)
}

func TestReplayCarriesTheDecodedAction(t *testing.T) {
	j := openTestJournal(t)

	_, err := j.Append("launch", launchAction(), map[string]string{"instance-id": "instance-1"}, "", "d1")
	require.NoError(t, err)

	var seen *fleet.Action
	var fields map[string]string
	err = j.Replay(func(r Record) error {
		seen = r.Action
		fields = r.Fields
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	require.Equal(t, "launch", seen.Verb)
	require.Equal(t, "/repo", seen.Flags["source-ref"])
	require.Equal(t, "instance-1", fields["instance-id"])
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	j := openTestJournal(t)

	_, err := j.Append("a", nil, nil, "", "1")
	require.NoError(t, err)
	_, err = j.Append("b", nil, nil, "1", "2")
	require.NoError(t, err)

	calls := 0
	err = j.Replay(func(r Record) error {
		calls++
		return errStopReplay
	})
	require.ErrorIs(t, err, errStopReplay)
	require.Equal(t, 1, calls)
}

func TestDigestIsStableForEqualValues(t *testing.T) {
	type state struct {
		Load  int
		State string
	}
	a := Digest(state{Load: 2, State: "healthy"})
	b := Digest(state{Load: 2, State: "healthy"})
	c := Digest(state{Load: 3, State: "healthy"})

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestDigestHandlesNilWithoutPanicking(t *testing.T) {
	require.Equal(t, Digest(nil), Digest(nil))
}
