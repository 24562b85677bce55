/*
Package metrics provides Prometheus metrics collection and exposition for
the fleet controller.

The package defines and registers every foreman_* metric using the
Prometheus client library, giving observability into fleet composition,
task distribution, instance health, and reconciliation performance.
Metrics are exposed via an HTTP endpoint for scraping by a Prometheus
server (see cmd/foreman serve's --metrics-addr).

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Fleet: instances, tasks, workspaces        │          │
	│  │  Distributor: scheduling latency, outcomes  │          │
	│  │  Health: state transitions, probe failures  │          │
	│  │  Controller: reconciliation, journal writes │          │
	│  │  Protocol: actions processed, latency       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition        │          │
	│  │  - Handler: Handler() (promhttp.Handler)    │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metric catalog

Fleet composition, refreshed every reconciliation tick
(internal/controller/reconcile.go's reportGaugesLocked) or, for
workspaces, on a 15s collector tick (collector.go) since acquire/release
can happen between ticks:

  - foreman_instances_total{state} — gauge, instance count by
    fleet.InstanceState.
  - foreman_tasks_total{state} — gauge, task count by fleet.TaskState.
  - foreman_workspaces_total — gauge, workspaces currently registered
    with the workspace manager.

Distributor (internal/distributor), one sample per assignment attempt:

  - foreman_scheduling_latency_seconds — histogram, time to decide an
    assignment for one pending task.
  - foreman_tasks_assigned_total — counter, tasks successfully assigned.
  - foreman_tasks_unassignable_total — counter, assignment attempts that
    found no eligible instance.

Health monitor (internal/controller/reconcile.go,
internal/controller/health_monitor.go):

  - foreman_health_transitions_total{from,to} — counter, instance health
    state machine transitions.
  - foreman_probe_failures_total{check_type} — counter, failed readiness
    probes by checker type (tcp/http/exec).

Controller / reconciliation loop:

  - foreman_reconciliation_duration_seconds — histogram, one
    reconciliation tick's wall time.
  - foreman_reconciliation_cycles_total — counter, ticks completed.
  - foreman_journal_writes_total — counter, journal records appended.

Protocol / transport (internal/protocol, internal/transport):

  - foreman_actions_total{verb,status} — counter, decoded actions by
    verb and result status (OK/ERR/PARTIAL).
  - foreman_action_duration_seconds{verb} — histogram, Dispatch latency
    per verb.

# Usage

Register metrics once at package init (already done in metrics.go), then
record values at the call site:

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDurationVec(metrics.ActionDuration, verb)

Serve the registry over HTTP:

	http.Handle("/metrics", metrics.Handler())
	http.ListenAndServe(addr, nil)
*/
package metrics
