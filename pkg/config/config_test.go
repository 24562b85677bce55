package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, "workspace.root: /tmp/ws\njournal.path: /tmp/journal.db\ntransport.kind: pubsub\n")

	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 16, opts.FleetMaxInstances)
	require.Equal(t, 3, opts.TaskDefaultMaxAttempts)
	require.Equal(t, 4, opts.TaskPerInstanceCap)
	require.Equal(t, 10*time.Second, opts.HealthFreshWindow)
	require.Equal(t, "linked", opts.WorkspaceIsolation)
	require.True(t, opts.WorkspaceRetainOnFailure)
	require.Equal(t, "none", opts.TagsUniqueness)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
workspace.root: /tmp/ws
journal.path: /tmp/journal.db
transport.kind: pubsub
fleet.max-instances: 32
health.probe-interval: 1s
tags.uniqueness: color
`)

	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 32, opts.FleetMaxInstances)
	require.Equal(t, time.Second, opts.HealthProbeInterval)
	require.Equal(t, "color", opts.TagsUniqueness)
}

func TestLoadRejectsUnknownFileKey(t *testing.T) {
	path := writeFile(t, "workspace.root: /tmp/ws\njournal.path: /tmp/journal.db\ntransport.kind: pubsub\nfleet.bogus-option: 1\n")

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unrecognized option")
}

func TestLoadRequiresWorkspaceRootAndJournalPath(t *testing.T) {
	path := writeFile(t, "transport.kind: pubsub\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRequiresFileTransportPathsWhenFileKind(t *testing.T) {
	path := writeFile(t, "workspace.root: /tmp/ws\njournal.path: /tmp/journal.db\n")

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "transport.file")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "workspace.root: /tmp/ws\njournal.path: /tmp/journal.db\ntransport.kind: pubsub\nfleet.max-instances: 32\n")

	t.Setenv("FOREMAN_FLEET_MAX_INSTANCES", "64")
	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 64, opts.FleetMaxInstances)
}

func TestEnvRejectsUnrecognizedKey(t *testing.T) {
	path := writeFile(t, "workspace.root: /tmp/ws\njournal.path: /tmp/journal.db\ntransport.kind: pubsub\n")

	t.Setenv("FOREMAN_NOT_A_REAL_OPTION", "1")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvRejectsMalformedValue(t *testing.T) {
	path := writeFile(t, "workspace.root: /tmp/ws\njournal.path: /tmp/journal.db\ntransport.kind: pubsub\n")

	t.Setenv("FOREMAN_FLEET_MAX_INSTANCES", "not-a-number")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidIsolation(t *testing.T) {
	path := writeFile(t, "workspace.root: /tmp/ws\njournal.path: /tmp/journal.db\ntransport.kind: pubsub\nworkspace.isolation: vm\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadWithoutFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("FOREMAN_WORKSPACE_ROOT", "/tmp/ws")
	t.Setenv("FOREMAN_JOURNAL_PATH", "/tmp/journal.db")
	t.Setenv("FOREMAN_TRANSPORT_KIND", "pubsub")

	opts, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/tmp/ws", opts.WorkspaceRoot)
}
