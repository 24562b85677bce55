// Package config loads the controller's enumerated Options record (spec
// §6) from a YAML file with environment-variable and default overrides.
// Options are a closed set: an unrecognized key in the file or the
// environment fails startup fast rather than being silently ignored,
// the same "fail fast on unknown" posture the teacher's apply.go takes
// toward unrecognized resource kinds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "FOREMAN_"

// Options is the full enumerated set of recognized configuration values.
type Options struct {
	FleetMaxInstances        int           `yaml:"fleet.max-instances"`
	TaskDefaultMaxAttempts   int           `yaml:"task.default-max-attempts"`
	TaskPerInstanceCap       int           `yaml:"task.per-instance-cap"`
	HealthFreshWindow        time.Duration `yaml:"health.fresh-window"`
	HealthStaleWindow        time.Duration `yaml:"health.stale-window"`
	HealthProbeInterval      time.Duration `yaml:"health.probe-interval"`
	HealthProbeDeadline      time.Duration `yaml:"health.probe-deadline"`
	HealthRecoveryGrace      time.Duration `yaml:"health.recovery-grace"`
	WorkspaceRoot            string        `yaml:"workspace.root"`
	WorkspaceIsolation       string        `yaml:"workspace.isolation"`
	WorkspaceRetainOnFailure bool          `yaml:"workspace.retain-on-failure"`
	TransportKind            string        `yaml:"transport.kind"`
	TransportFileInbox       string        `yaml:"transport.file.inbox"`
	TransportFileOutbox      string        `yaml:"transport.file.outbox"`
	TransportFileEvents      string        `yaml:"transport.file.events"`
	JournalPath              string        `yaml:"journal.path"`
	TagsUniqueness           string        `yaml:"tags.uniqueness"`
}

// defaults returns the spec-mandated default values; fields with no
// listed default (workspace.root, journal.path, and the file-transport
// paths when transport.kind=file) are left zero and validated by Load.
func defaults() Options {
	return Options{
		FleetMaxInstances:        16,
		TaskDefaultMaxAttempts:   3,
		TaskPerInstanceCap:       4,
		HealthFreshWindow:        10 * time.Second,
		HealthStaleWindow:        30 * time.Second,
		HealthProbeInterval:      5 * time.Second,
		HealthProbeDeadline:      2 * time.Second,
		HealthRecoveryGrace:      60 * time.Second,
		WorkspaceIsolation:       "linked",
		WorkspaceRetainOnFailure: true,
		TransportKind:            "file",
		TagsUniqueness:           "none",
	}
}

// fieldKeys lists every recognized yaml key, in struct order, used both
// to validate a file's keys and to look up environment overrides.
var fieldKeys = []string{
	"fleet.max-instances",
	"task.default-max-attempts",
	"task.per-instance-cap",
	"health.fresh-window",
	"health.stale-window",
	"health.probe-interval",
	"health.probe-deadline",
	"health.recovery-grace",
	"workspace.root",
	"workspace.isolation",
	"workspace.retain-on-failure",
	"transport.kind",
	"transport.file.inbox",
	"transport.file.outbox",
	"transport.file.events",
	"journal.path",
	"tags.uniqueness",
}

// Load reads path (if non-empty), applies FOREMAN_-prefixed environment
// overrides on top, falling back to defaults for anything unset, and
// validates the result. Environment overrides the file; the file
// overrides defaults.
func Load(path string) (Options, error) {
	opts := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Options{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := unmarshalStrict(data, &opts); err != nil {
			return Options{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&opts); err != nil {
		return Options{}, err
	}

	if err := validate(opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// unmarshalStrict decodes data into opts, rejecting any key not in
// fieldKeys so an unrecognized option fails startup instead of being
// silently dropped.
func unmarshalStrict(data []byte, opts *Options) error {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := make(map[string]bool, len(fieldKeys))
	for _, k := range fieldKeys {
		known[k] = true
	}
	var unknown []string
	for k := range raw {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unrecognized option(s) %v; accepted options: %v", unknown, fieldKeys)
	}
	return yaml.Unmarshal(data, opts)
}

// applyEnvOverrides scans os.Environ() for FOREMAN_-prefixed keys,
// rejecting any that don't map to a recognized option.
func applyEnvOverrides(opts *Options) error {
	known := make(map[string]bool, len(fieldKeys))
	for _, k := range fieldKeys {
		known[envName(k)] = true
	}

	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		if !known[name] {
			return fmt.Errorf("unrecognized environment option %s; accepted options: %v", name, fieldKeys)
		}
		if err := setField(opts, name, value); err != nil {
			return fmt.Errorf("environment option %s: %w", name, err)
		}
	}
	return nil
}

// envName converts a dotted yaml key (e.g. "task.per-instance-cap") into
// its FOREMAN_-prefixed environment name (FOREMAN_TASK_PER_INSTANCE_CAP).
func envName(key string) string {
	upper := strings.ToUpper(key)
	upper = strings.NewReplacer(".", "_", "-", "_").Replace(upper)
	return envPrefix + upper
}

func setField(opts *Options, envKey, value string) error {
	switch envKey {
	case envName("fleet.max-instances"):
		return setInt(&opts.FleetMaxInstances, value)
	case envName("task.default-max-attempts"):
		return setInt(&opts.TaskDefaultMaxAttempts, value)
	case envName("task.per-instance-cap"):
		return setInt(&opts.TaskPerInstanceCap, value)
	case envName("health.fresh-window"):
		return setDuration(&opts.HealthFreshWindow, value)
	case envName("health.stale-window"):
		return setDuration(&opts.HealthStaleWindow, value)
	case envName("health.probe-interval"):
		return setDuration(&opts.HealthProbeInterval, value)
	case envName("health.probe-deadline"):
		return setDuration(&opts.HealthProbeDeadline, value)
	case envName("health.recovery-grace"):
		return setDuration(&opts.HealthRecoveryGrace, value)
	case envName("workspace.root"):
		opts.WorkspaceRoot = value
	case envName("workspace.isolation"):
		opts.WorkspaceIsolation = value
	case envName("workspace.retain-on-failure"):
		return setBool(&opts.WorkspaceRetainOnFailure, value)
	case envName("transport.kind"):
		opts.TransportKind = value
	case envName("transport.file.inbox"):
		opts.TransportFileInbox = value
	case envName("transport.file.outbox"):
		opts.TransportFileOutbox = value
	case envName("transport.file.events"):
		opts.TransportFileEvents = value
	case envName("journal.path"):
		opts.JournalPath = value
	case envName("tags.uniqueness"):
		opts.TagsUniqueness = value
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %q", value)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("not a duration: %q", value)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("not a boolean: %q", value)
	}
	*dst = b
	return nil
}

// validate checks the options enumerated as required or closed-set in
// spec §6.
func validate(opts Options) error {
	if opts.WorkspaceRoot == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if opts.JournalPath == "" {
		return fmt.Errorf("journal.path is required")
	}
	switch opts.WorkspaceIsolation {
	case "linked", "copy":
	default:
		return fmt.Errorf("workspace.isolation must be one of linked|copy, got %q", opts.WorkspaceIsolation)
	}
	switch opts.TransportKind {
	case "file":
		if opts.TransportFileInbox == "" || opts.TransportFileOutbox == "" || opts.TransportFileEvents == "" {
			return fmt.Errorf("transport.file.inbox, transport.file.outbox, and transport.file.events are required when transport.kind=file")
		}
	case "pubsub":
	default:
		return fmt.Errorf("transport.kind must be one of file|pubsub, got %q", opts.TransportKind)
	}
	switch opts.TagsUniqueness {
	case "none", "color", "branch", "all":
	default:
		return fmt.Errorf("tags.uniqueness must be one of none|color|branch|all, got %q", opts.TagsUniqueness)
	}
	return nil
}
